package qir

import (
	"fmt"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
)

type (
	Tag int

	Label int

	// LoadImm is the payload of an LI instruction.
	LoadImm struct {
		SetCond SetCond
		Cond    AssignCond
		Dest    Reg
		Imm     Imm
	}

	// ALUInstr is the payload of an ALU instruction.
	ALUInstr struct {
		SetCond SetCond
		Cond    AssignCond
		Dest    Reg
		SrcA    RegOrImm
		Op      Op
		SrcB    RegOrImm
	}

	// BranchInstr is a resolved branch with a PC-relative offset.
	BranchInstr struct {
		Cond   BranchCond
		Offset int
	}

	// BranchLabel is an unresolved branch to a label.
	BranchLabel struct {
		Cond  BranchCond
		Label Label
	}

	// Instr is one target instruction. Which payload is valid is
	// determined by Tag.
	Instr struct {
		Tag Tag

		LI    LoadImm
		ALU   ALUInstr
		BR    BranchInstr
		BRL   BranchLabel
		Label Label
		Sema  int // semaphore id, 0..15
		RECV  Reg // destination of a TMU receive

		header  string
		comment string
	}

	// List is an instruction sequence, the unit all passes operate on.
	List []Instr
)

const (
	LI Tag = iota
	ALU
	BR
	END

	BRL
	LAB
	NOP

	// vc4 only
	DMALoadWait
	DMAStoreWait
	SInc
	SDec
	IRQ

	// both targets
	RECV
	TMU0ToACC4
	InitBegin
	InitEnd

	// v3d only
	TMUWT
)

func (t Tag) String() string {
	switch t {
	case LI:
		return "LI"
	case ALU:
		return "ALU"
	case BR:
		return "BR"
	case END:
		return "END"
	case BRL:
		return "BRL"
	case LAB:
		return "LAB"
	case NOP:
		return "NOP"
	case DMALoadWait:
		return "DMA_LOAD_WAIT"
	case DMAStoreWait:
		return "DMA_STORE_WAIT"
	case SInc:
		return "SINC"
	case SDec:
		return "SDEC"
	case IRQ:
		return "IRQ"
	case RECV:
		return "RECV"
	case TMU0ToACC4:
		return "TMU0_TO_ACC4"
	case InitBegin:
		return "INIT_BEGIN"
	case InitEnd:
		return "INIT_END"
	case TMUWT:
		return "TMUWT"
	default:
		return fmt.Sprintf("TAG%d", int(t))
	}
}

// CheckTag verifies the tag is legal for the target.
func CheckTag(t Tag, target Target) error {
	switch t {
	case DMALoadWait, DMAStoreWait, SInc, SDec, IRQ:
		if target == V3D {
			return errors.Wrap(ErrUnsupportedInstruction, "%v on %v", t, target)
		}
	case TMUWT:
		if target == VC4 {
			return errors.Wrap(ErrUnsupportedInstruction, "%v on %v", t, target)
		}
	}

	return nil
}

// ==================================================
// Constructors
// ==================================================

func Nop() Instr {
	return Instr{Tag: NOP}
}

func LoadI(dst Reg, imm Imm) Instr {
	return Instr{Tag: LI, LI: LoadImm{Cond: Always, Dest: dst, Imm: imm}}
}

func ALUOp(op Op, dst Reg, srcA, srcB RegOrImm) Instr {
	return Instr{Tag: ALU, ALU: ALUInstr{
		Cond: Always,
		Dest: dst,
		SrcA: srcA,
		Op:   op,
		SrcB: srcB,
	}}
}

// Mov is encoded as bitwise-or of the source with itself.
func Mov(dst, src Reg) Instr {
	return ALUOp(OpBOr, dst, RegSrc(src), RegSrc(src))
}

func MovImm(dst Reg, code int) Instr {
	return ALUOp(OpBOr, dst, ImmSrc(code), ImmSrc(code))
}

func Branch(cond BranchCond, l Label) Instr {
	return Instr{Tag: BRL, BRL: BranchLabel{Cond: cond, Label: l}}
}

func Jump(l Label) Instr {
	return Branch(BranchCond{Tag: BCondAlways}, l)
}

func LabelInstr(l Label) Instr {
	return Instr{Tag: LAB, Label: l}
}

func Recv(dst Reg) Instr {
	return Instr{Tag: RECV, RECV: dst}
}

func SemaInc(id int) Instr {
	return Instr{Tag: SInc, Sema: id}
}

func SemaDec(id int) Instr {
	return Instr{Tag: SDec, Sema: id}
}

// ==================================================
// Mutation helpers
// ==================================================

func (i Instr) Cond(c AssignCond) Instr {
	switch i.Tag {
	case LI:
		i.LI.Cond = c
	case ALU:
		i.ALU.Cond = c
	}

	return i
}

func (i Instr) SetCondFlag(c SetCond) Instr {
	switch i.Tag {
	case LI:
		i.LI.SetCond = c
	case ALU:
		i.ALU.SetCond = c
	}

	return i
}

func (i Instr) Comment(msg string) Instr {
	if i.comment != "" {
		i.comment += "; "
	}

	i.comment += msg

	return i
}

func (i Instr) Header(msg string) Instr {
	i.header = msg
	return i
}

func (i Instr) GetComment() string { return i.comment }
func (i Instr) GetHeader() string  { return i.header }

// TransferComments moves listing annotations from a source instruction.
func (i *Instr) TransferComments(src Instr) {
	if src.header != "" && i.header == "" {
		i.header = src.header
	}

	if src.comment != "" {
		if i.comment != "" {
			i.comment += "; "
		}

		i.comment += src.comment
	}
}

// ==================================================
// Predicates
// ==================================================

func (i Instr) IsBranch() bool { return i.Tag == BR || i.Tag == BRL }
func (i Instr) IsLabel() bool  { return i.Tag == LAB }

func (i Instr) HasRegisters() bool {
	return i.Tag == LI || i.Tag == ALU || i.Tag == RECV
}

func (i Instr) IsRot() bool {
	return i.Tag == ALU && i.ALU.Op.IsRot()
}

// IsUniformLoad reports a read from the uniform stream.
func (i Instr) IsUniformLoad() bool {
	if i.Tag != ALU {
		return false
	}

	a := i.ALU.SrcA

	return a.IsReg() && a.Reg().Tag == Special && a.Reg().ID == SpecUniform
}

// IsTMUAWrite reports a write of a memory address to the TMU.
func (i Instr) IsTMUAWrite() bool {
	if i.Tag != ALU {
		return false
	}

	d := i.ALU.Dest

	return d.Tag == Special && (d.ID == SpecTMU0S || d.ID == SpecDMAStoreAddr)
}

func (i Instr) AssignCond() AssignCond {
	switch i.Tag {
	case LI:
		return i.LI.Cond
	case ALU:
		return i.ALU.Cond
	default:
		return Always
	}
}

func (i Instr) IsAlways() bool {
	return i.AssignCond().IsAlways()
}

func (i Instr) IsCondAssign() bool {
	return (i.Tag == LI || i.Tag == ALU) && !i.IsAlways()
}

func (i Instr) SetCond() SetCond {
	switch i.Tag {
	case LI:
		return i.LI.SetCond
	case ALU:
		return i.ALU.SetCond
	default:
		return SetCond{}
	}
}

// DstReg is the written register, NoneR if the instruction writes none.
func (i Instr) DstReg() Reg {
	switch i.Tag {
	case LI:
		return i.LI.Dest
	case ALU:
		return i.ALU.Dest
	case RECV:
		return i.RECV
	default:
		return NoneR
	}
}

// SrcRegs is the set of registers read. With setUseWhere a conditional
// write also counts the destination as read, so its previous value
// stays live across the conditional. Only liveness analysis sets it.
func (i Instr) SrcRegs(setUseWhere bool) []Reg {
	var ret []Reg

	add := func(r Reg) {
		if r.Tag == None {
			return
		}

		for _, x := range ret {
			if x == r {
				return
			}
		}

		ret = append(ret, r)
	}

	switch i.Tag {
	case LI:
		if setUseWhere && !i.LI.Cond.IsAlways() {
			add(i.LI.Dest)
		}
	case ALU:
		if setUseWhere && !i.ALU.Cond.IsAlways() {
			add(i.ALU.Dest)
		}

		if i.ALU.SrcA.IsReg() {
			add(i.ALU.SrcA.Reg())
		}

		if i.ALU.SrcB.IsReg() {
			add(i.ALU.SrcB.Reg())
		}
	}

	return ret
}

// ==================================================
// List
// ==================================================

func (l *List) Append(is ...Instr) {
	*l = append(*l, is...)
}

// Insert places instructions at index i, shifting the rest down.
func (l *List) Insert(i int, is ...Instr) {
	tlog.V("ir_insert").Printw("insert instructions", "at", i, "count", len(is), "from", loc.Caller(1))

	*l = append(*l, make([]Instr, len(is))...)
	copy((*l)[i+len(is):], (*l)[i:])
	copy((*l)[i:], is)
}

// TagIndex is the index of the first instruction with the given tag,
// -1 if absent.
func (l List) TagIndex(t Tag) int {
	for i, in := range l {
		if in.Tag == t {
			return i
		}
	}

	return -1
}

func (l List) TagCount(t Tag) (n int) {
	for _, in := range l {
		if in.Tag == t {
			n++
		}
	}

	return n
}

// LastUniformOffset is the index of the last uniform load at the top
// of the list, -1 if there are none.
func (l List) LastUniformOffset() int {
	last := -1

	for i, in := range l {
		if !in.IsUniformLoad() {
			break
		}

		last = i
	}

	return last
}

func (l List) Mnemonics(withComments bool) string {
	var b strings.Builder

	for i, in := range l {
		if withComments && in.header != "" {
			fmt.Fprintf(&b, "\n# %s\n", in.header)
		}

		fmt.Fprintf(&b, "%4d: %s", i, in.Mnemonic())

		if withComments && in.comment != "" {
			fmt.Fprintf(&b, "  # %s", in.comment)
		}

		b.WriteByte('\n')
	}

	return b.String()
}

func (i Instr) Mnemonic() string {
	switch i.Tag {
	case LI:
		s := fmt.Sprintf("li %v, %v", i.LI.Dest, i.LI.Imm)
		if !i.LI.Cond.IsAlways() {
			s = i.LI.Cond.String() + ": " + s
		}

		return s + i.LI.SetCond.String()
	case ALU:
		s := fmt.Sprintf("%v %v, %v, %v", i.ALU.Op, i.ALU.Dest, i.ALU.SrcA, i.ALU.SrcB)
		if !i.ALU.Cond.IsAlways() {
			s = i.ALU.Cond.String() + ": " + s
		}

		return s + i.ALU.SetCond.String()
	case BR:
		return fmt.Sprintf("br %v, PC%+d", i.BR.Cond, i.BR.Offset)
	case BRL:
		return fmt.Sprintf("br %v, L%d", i.BRL.Cond, i.BRL.Label)
	case LAB:
		return fmt.Sprintf("L%d:", i.Label)
	case RECV:
		return fmt.Sprintf("recv %v", i.RECV)
	case SInc:
		return fmt.Sprintf("sinc %d", i.Sema)
	case SDec:
		return fmt.Sprintf("sdec %d", i.Sema)
	default:
		return strings.ToLower(i.Tag.String())
	}
}

func (i Instr) String() string { return i.Mnemonic() }
