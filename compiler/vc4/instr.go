// Package vc4 lowers target IR to vc4 QPU opcodes.
//
// The word layout is the hardware contract consumed by the driver:
//
//	ALU    [63:60] sig  [59:57] unpack  [56] pm  [55:52] pack
//	       [51:49] cond_add  [48:46] cond_mul  [45] sf  [44] ws
//	       [43:38] waddr_add  [37:32] waddr_mul
//	       [31:29] op_mul  [28:24] op_add
//	       [23:18] raddr_a  [17:12] raddr_b
//	       [11:9] add_a  [8:6] add_b  [5:3] mul_a  [2:0] mul_b
//	LI     sig 0xe, [59:57] mode, same middle fields, [31:0] immediate
//	branch sig 0xf, [55:52] cond_br, [51] rel, [50] reg, [31:0] offset
//
// Sources read through a mux: 0..5 are accumulators r0..r5, 6 reads
// file A through raddr_a, 7 file B through raddr_b. The small
// immediate signal turns raddr_b into a literal code.
package vc4

import (
	"fmt"
	"strings"

	"github.com/slowlang/qpu/compiler/qir"
)

type (
	// Instr is one encoded vc4 instruction or a label meta-instruction.
	// Branches keep their label until resolution patches the offset.
	Instr struct {
		IsLabel bool
		Label   qir.Label

		Branch   bool
		HasLabel bool

		w word

		header  string
		comment string
	}

	// word is the field-level form of one 64-bit opcode.
	word struct {
		sig    uint8
		liMode uint8
		li     bool
		imm    uint32

		condAdd, condMul uint8
		sf               bool
		ws               bool

		waddrAdd, waddrMul uint8
		opAdd, opMul       uint8
		raddrA, raddrB     uint8

		addA, addB, mulA, mulB uint8
		usedA, usedB           bool

		condBr uint8
	}
)

// Signals.
const (
	sigNone     = 1
	sigEnd      = 3
	sigLoadTMU0 = 10
	sigSmallImm = 13
	sigLoadImm  = 14
	sigBranch   = 15
)

// Add-ALU opcodes.
const (
	opNop  = 0
	opFAdd = 1
	opFSub = 2
	opFMin = 3
	opFMax = 4
	opFtoI = 7
	opItoF = 8
	opAdd  = 12
	opSub  = 13
	opShr  = 14
	opAsr  = 15
	opRor  = 16
	opShl  = 17
	opMin  = 18
	opMax  = 19
	opAnd  = 20
	opOr   = 21
	opXor  = 22
	opNot  = 23
)

// Mul-ALU opcodes.
const (
	opMNop   = 0
	opMFMul  = 1
	opMMul24 = 2
	opMV8Min = 4 // doubles as the move for vector rotates
)

// Assign condition codes.
const (
	condNever  = 0
	condAlways = 1
	condZS     = 2
	condZC     = 3
	condNS     = 4
	condNC     = 5
)

// Write addresses.
const (
	waddrAcc0    = 32 // r0..r5 at 32..37
	waddrHostInt = 38
	waddrNop     = 39
	waddrVPM     = 48
	waddrSetup   = 49 // rd_setup in file A, wr_setup in file B
	waddrDMAAddr = 50 // ld_addr in file A, st_addr in file B
	waddrRecip   = 52
	waddrRSqrt   = 53
	waddrExp     = 54
	waddrLog     = 55
	waddrTMU0S   = 56
)

// Read addresses.
const (
	raddrUniform = 32
	raddrElemQPU = 38 // elem_num in file A, qpu_num in file B
	raddrNop     = 39
	raddrVPM     = 48
	raddrDMAWait = 50 // ld_wait in file A, st_wait in file B
)

// Branch condition codes.
const (
	brAllZS  = 0
	brAllZC  = 1
	brAnyZS  = 2
	brAnyZC  = 3
	brAllNS  = 4
	brAllNC  = 5
	brAnyNS  = 6
	brAnyNC  = 7
	brAlways = 15
)

func nopWord() word {
	return word{
		sig:      sigNone,
		condAdd:  condAlways,
		condMul:  condAlways,
		waddrAdd: waddrNop,
		waddrMul: waddrNop,
		raddrA:   raddrNop,
		raddrB:   raddrNop,
	}
}

func Nop() Instr {
	return Instr{w: nopWord()}
}

func (i Instr) Header(msg string) Instr {
	i.header = msg
	return i
}

func (i Instr) Comment(msg string) Instr {
	if i.comment != "" {
		i.comment += "; "
	}

	i.comment += msg

	return i
}

func (i Instr) GetHeader() string  { return i.header }
func (i Instr) GetComment() string { return i.comment }

func (i *Instr) SetHeader(msg string) { i.header = msg }

func (w word) pack() uint64 {
	if w.sig == sigBranch {
		r := uint64(sigBranch) << 60
		r |= uint64(w.condBr&0xf) << 52
		r |= 1 << 51 // always PC-relative
		r |= uint64(w.waddrAdd&0x3f) << 38
		r |= uint64(w.waddrMul&0x3f) << 32
		r |= uint64(w.imm)

		return r
	}

	if w.li {
		r := uint64(sigLoadImm) << 60
		r |= uint64(w.liMode&7) << 57
		r |= uint64(w.condAdd&7) << 49
		r |= uint64(w.condMul&7) << 46

		if w.sf {
			r |= 1 << 45
		}
		if w.ws {
			r |= 1 << 44
		}

		r |= uint64(w.waddrAdd&0x3f) << 38
		r |= uint64(w.waddrMul&0x3f) << 32
		r |= uint64(w.imm)

		return r
	}

	r := uint64(w.sig&0xf) << 60
	r |= uint64(w.condAdd&7) << 49
	r |= uint64(w.condMul&7) << 46

	if w.sf {
		r |= 1 << 45
	}
	if w.ws {
		r |= 1 << 44
	}

	r |= uint64(w.waddrAdd&0x3f) << 38
	r |= uint64(w.waddrMul&0x3f) << 32
	r |= uint64(w.opMul&7) << 29
	r |= uint64(w.opAdd&0x1f) << 24
	r |= uint64(w.raddrA&0x3f) << 18
	r |= uint64(w.raddrB&0x3f) << 12
	r |= uint64(w.addA&7) << 9
	r |= uint64(w.addB&7) << 6
	r |= uint64(w.mulA&7) << 3
	r |= uint64(w.mulB & 7)

	return r
}

func (i Instr) Code() uint64 { return i.w.pack() }

// Decode unpacks a word; the inverse of pack for every word the
// encoder emits.
func Decode(v uint64) Instr {
	var w word

	w.sig = uint8(v >> 60 & 0xf)

	switch w.sig {
	case sigBranch:
		w.condBr = uint8(v >> 52 & 0xf)
		w.waddrAdd = uint8(v >> 38 & 0x3f)
		w.waddrMul = uint8(v >> 32 & 0x3f)
		w.imm = uint32(v)

		return Instr{Branch: true, w: w}
	case sigLoadImm:
		w.li = true
		w.liMode = uint8(v >> 57 & 7)
		w.condAdd = uint8(v >> 49 & 7)
		w.condMul = uint8(v >> 46 & 7)
		w.sf = v>>45&1 != 0
		w.ws = v>>44&1 != 0
		w.waddrAdd = uint8(v >> 38 & 0x3f)
		w.waddrMul = uint8(v >> 32 & 0x3f)
		w.imm = uint32(v)

		return Instr{w: w}
	}

	w.condAdd = uint8(v >> 49 & 7)
	w.condMul = uint8(v >> 46 & 7)
	w.sf = v>>45&1 != 0
	w.ws = v>>44&1 != 0
	w.waddrAdd = uint8(v >> 38 & 0x3f)
	w.waddrMul = uint8(v >> 32 & 0x3f)
	w.opMul = uint8(v >> 29 & 7)
	w.opAdd = uint8(v >> 24 & 0x1f)
	w.raddrA = uint8(v >> 18 & 0x3f)
	w.raddrB = uint8(v >> 12 & 0x3f)
	w.addA = uint8(v >> 9 & 7)
	w.addB = uint8(v >> 6 & 7)
	w.mulA = uint8(v >> 3 & 7)
	w.mulB = uint8(v & 7)

	return Instr{w: w}
}

func (i Instr) Mnemonic() string {
	if i.IsLabel {
		return fmt.Sprintf("L%d:", i.Label)
	}

	w := i.w

	switch {
	case w.sig == sigBranch:
		t := fmt.Sprintf("PC+4%+d", int32(w.imm)/8)
		if i.HasLabel {
			t = fmt.Sprintf("L%d", i.Label)
		}

		return fmt.Sprintf("br%s %s", brCondName(w.condBr), t)
	case w.li && w.liMode == 4:
		op := "sinc"
		if w.imm&0x10 != 0 {
			op = "sdec"
		}

		return fmt.Sprintf("%s %d", op, w.imm&0xf)
	case w.li:
		return fmt.Sprintf("li%s %s, %#x", condName(w.condAdd), waddrName(w.waddrAdd, w.ws), w.imm)
	case w.sig == sigEnd:
		return "end"
	}

	var b strings.Builder

	if w.opAdd != opNop {
		fmt.Fprintf(&b, "%s%s %s, %s, %s",
			addOpName(w.opAdd), condName(w.condAdd),
			waddrName(w.waddrAdd, w.ws),
			w.srcName(w.addA), w.srcName(w.addB))
	}

	if w.opMul != opMNop {
		if b.Len() != 0 {
			b.WriteString(" ; ")
		}

		fmt.Fprintf(&b, "%s%s %s, %s, %s",
			mulOpName(w.opMul), condName(w.condMul),
			waddrName(w.waddrMul, !w.ws),
			w.srcName(w.mulA), w.srcName(w.mulB))
	}

	if b.Len() == 0 {
		b.WriteString("nop")
	}

	if w.sf {
		b.WriteString(" {sf}")
	}

	if w.sig == sigLoadTMU0 {
		b.WriteString(" ; ldtmu0")
	}

	return b.String()
}

func (w word) srcName(mux uint8) string {
	switch {
	case mux <= 5:
		return fmt.Sprintf("r%d", mux)
	case mux == 6:
		return raddrDesc(w.raddrA, false)
	case w.sig == sigSmallImm:
		if w.raddrB >= 48 { // rotate request
			return fmt.Sprintf("<<%d", w.raddrB-48)
		}

		v := qir.SmallLitValue(int(w.raddrB))
		if v.IsFloat {
			return fmt.Sprintf("%g", v.Float)
		}

		return fmt.Sprintf("%d", v.Int)
	default:
		return raddrDesc(w.raddrB, true)
	}
}

func raddrDesc(r uint8, fileB bool) string {
	file := "a"
	if fileB {
		file = "b"
	}

	switch r {
	case raddrUniform:
		return "unif"
	case raddrElemQPU:
		if fileB {
			return "qpu_num"
		}

		return "elem_num"
	case raddrVPM:
		return "vpm"
	case raddrDMAWait:
		if fileB {
			return "vw_wait"
		}

		return "vr_wait"
	case raddrNop:
		return "-"
	default:
		return fmt.Sprintf("r%s%d", file, r)
	}
}

func waddrName(wa uint8, fileB bool) string {
	switch {
	case wa < 32:
		file := "a"
		if fileB {
			file = "b"
		}

		return fmt.Sprintf("r%s%d", file, wa)
	case wa <= 37:
		return fmt.Sprintf("r%d", wa-waddrAcc0)
	case wa == waddrHostInt:
		return "host_int"
	case wa == waddrNop:
		return "-"
	case wa == waddrVPM:
		return "vpm"
	case wa == waddrSetup:
		if fileB {
			return "vw_setup"
		}

		return "vr_setup"
	case wa == waddrDMAAddr:
		if fileB {
			return "vw_addr"
		}

		return "vr_addr"
	case wa == waddrRecip:
		return "sfu_recip"
	case wa == waddrRSqrt:
		return "sfu_recipsqrt"
	case wa == waddrExp:
		return "sfu_exp"
	case wa == waddrLog:
		return "sfu_log"
	case wa == waddrTMU0S:
		return "tmu0s"
	default:
		return fmt.Sprintf("w%d", wa)
	}
}

func condName(c uint8) string {
	switch c {
	case condAlways:
		return ""
	case condNever:
		return ".never"
	case condZS:
		return ".ifzs"
	case condZC:
		return ".ifzc"
	case condNS:
		return ".ifns"
	case condNC:
		return ".ifnc"
	default:
		return ".c?"
	}
}

func brCondName(c uint8) string {
	switch c {
	case brAlways:
		return ""
	case brAllZS:
		return ".allzs"
	case brAllZC:
		return ".allzc"
	case brAnyZS:
		return ".anyzs"
	case brAnyZC:
		return ".anyzc"
	case brAllNS:
		return ".allns"
	case brAllNC:
		return ".allnc"
	case brAnyNS:
		return ".anyns"
	case brAnyNC:
		return ".anync"
	default:
		return ".b?"
	}
}

func addOpName(op uint8) string {
	switch op {
	case opNop:
		return "nop"
	case opFAdd:
		return "fadd"
	case opFSub:
		return "fsub"
	case opFMin:
		return "fmin"
	case opFMax:
		return "fmax"
	case opFtoI:
		return "ftoi"
	case opItoF:
		return "itof"
	case opAdd:
		return "add"
	case opSub:
		return "sub"
	case opShr:
		return "shr"
	case opAsr:
		return "asr"
	case opRor:
		return "ror"
	case opShl:
		return "shl"
	case opMin:
		return "min"
	case opMax:
		return "max"
	case opAnd:
		return "and"
	case opOr:
		return "or"
	case opXor:
		return "xor"
	case opNot:
		return "not"
	default:
		return fmt.Sprintf("a%d", op)
	}
}

func mulOpName(op uint8) string {
	switch op {
	case opMFMul:
		return "fmul"
	case opMMul24:
		return "mul24"
	case opMV8Min:
		return "v8min"
	default:
		return fmt.Sprintf("m%d", op)
	}
}

// Mnemonics renders an instruction sequence as a listing.
func Mnemonics(instrs []Instr, withComments bool) string {
	var b strings.Builder

	for i, in := range instrs {
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
