package vc4

import (
	"context"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/qir"
)

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}

// Branch delay slots: the three instructions after a taken branch
// execute regardless. Filled with nops; moving work into the slots is
// an optimisation the contract permits but does not require.
const delaySlots = 3

// Encode lowers a register-allocated instruction list to vc4 words.
// Branches still carry labels; ResolveLabels runs afterwards.
func Encode(ctx context.Context, instrs qir.List) (out []Instr, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "vc4 encode", "instrs", len(instrs))
	defer tr.Finish("err", &err)

	prevInitBegin := false
	prevInitEnd := false

	for i, in := range instrs {
		err = qir.CheckTag(in.Tag, qir.VC4)
		if err != nil {
			return nil, errors.Wrap(err, "at %d", i)
		}

		var ret []Instr

		switch in.Tag {
		case qir.InitBegin:
			prevInitBegin = true
			continue
		case qir.InitEnd:
			prevInitEnd = true
			continue
		default:
			ret, err = encodeInstr(in)
			if err != nil {
				return nil, errors.Wrap(err, "at %d: %v", i, in)
			}
		}

		if len(ret) == 0 {
			continue
		}

		if prevInitBegin {
			ret[0].SetHeader("Init block")
			prevInitBegin = false
		}

		if prevInitEnd {
			ret[0].SetHeader("Main program")
			prevInitEnd = false
		}

		out = append(out, ret...)
	}

	tr.Printw("encoded", "words", len(out))

	return out, nil
}

func encodeInstr(in qir.Instr) ([]Instr, error) {
	switch in.Tag {
	case qir.LAB:
		return []Instr{{IsLabel: true, Label: in.Label}}, nil
	case qir.BRL:
		br, err := encodeBranchLabel(in)
		if err != nil {
			return nil, err
		}

		ret := []Instr{br}
		for j := 0; j < delaySlots; j++ {
			ret = append(ret, Nop())
		}

		ret[1] = ret[1].Comment("branch delay slots")

		return ret, nil
	case qir.BR:
		return nil, errors.Wrap(qir.ErrInvariantViolation, "BR before label resolution")
	case qir.LI:
		return encodeLoadImmediate(in)
	case qir.ALU:
		return encodeALUList(in)
	case qir.RECV:
		return encodeRecv(in.RECV)
	case qir.TMU0ToACC4:
		w := Nop()
		w.w.sig = sigLoadTMU0

		return []Instr{w}, nil
	case qir.NOP:
		return []Instr{Nop()}, nil
	case qir.END:
		end := Nop()
		end.w.sig = sigEnd

		return []Instr{end, Nop(), Nop()}, nil
	case qir.DMALoadWait:
		return []Instr{dmaWait(false)}, nil
	case qir.DMAStoreWait:
		return []Instr{dmaWait(true)}, nil
	case qir.SInc:
		return []Instr{semaphore(in.Sema, false)}, nil
	case qir.SDec:
		return []Instr{semaphore(in.Sema, true)}, nil
	case qir.IRQ:
		w := Nop()
		w.w.opAdd = opOr
		w.w.waddrAdd = waddrHostInt
		w.w.sig = sigSmallImm
		w.w.raddrB = 1
		w.w.addA = 7
		w.w.addB = 7

		return []Instr{w}, nil
	default:
		return nil, errors.Wrap(qir.ErrUnsupportedInstruction, "%v", in.Tag)
	}
}

// dmaWait stalls by reading the DMA status register into the nop
// destination: load wait lives in file A, store wait in file B.
func dmaWait(store bool) Instr {
	w := Nop()
	w.w.opAdd = opOr

	if store {
		w.w.raddrB = raddrDMAWait
		w.w.addA = 7
		w.w.addB = 7
	} else {
		w.w.raddrA = raddrDMAWait
		w.w.addA = 6
		w.w.addB = 6
	}

	return w
}

func semaphore(id int, dec bool) Instr {
	w := Nop()
	w.w.li = true
	w.w.liMode = 4
	w.w.imm = uint32(id) & 0xf

	if dec {
		w.w.imm |= 0x10
	}

	return w
}

func encodeRecv(dst qir.Reg) ([]Instr, error) {
	// TMU load arrives in r4; issue the signal and move it out.
	w := Nop()
	w.w.sig = sigLoadTMU0
	w.w.opAdd = opOr
	w.w.addA = 4
	w.w.addB = 4

	err := setDest(&w.w, dst)
	if err != nil {
		return nil, err
	}

	return []Instr{w}, nil
}

// setDest routes the add-ALU write address. File B writes set the
// write-swap bit; specials pick their fixed address, some of which
// only exist on the B side.
func setDest(w *word, r qir.Reg) error {
	switch r.Tag {
	case qir.RegA:
		if r.ID >= 32 {
			return errors.Wrap(qir.ErrInvariantViolation, "file A slot %d", r.ID)
		}

		w.waddrAdd = uint8(r.ID)
	case qir.RegB:
		if r.ID >= 32 {
			return errors.Wrap(qir.ErrInvariantViolation, "file B slot %d", r.ID)
		}

		w.waddrAdd = uint8(r.ID)
		w.ws = true
	case qir.Acc:
		if r.ID > 5 {
			return errors.Wrap(qir.ErrInvariantViolation, "acc %d", r.ID)
		}

		w.waddrAdd = waddrAcc0 + uint8(r.ID)
	case qir.None:
		w.waddrAdd = waddrNop
	case qir.Special:
		switch r.ID {
		case qir.SpecVPMWrite:
			w.waddrAdd = waddrVPM
		case qir.SpecRdSetup:
			w.waddrAdd = waddrSetup
		case qir.SpecWrSetup:
			w.waddrAdd = waddrSetup
			w.ws = true
		case qir.SpecDMALoadAddr:
			w.waddrAdd = waddrDMAAddr
		case qir.SpecDMAStoreAddr:
			w.waddrAdd = waddrDMAAddr
			w.ws = true
		case qir.SpecSFURecip:
			w.waddrAdd = waddrRecip
		case qir.SpecSFURecipSqrt:
			w.waddrAdd = waddrRSqrt
		case qir.SpecSFUExp:
			w.waddrAdd = waddrExp
		case qir.SpecSFULog:
			w.waddrAdd = waddrLog
		case qir.SpecTMU0S:
			w.waddrAdd = waddrTMU0S
		case qir.SpecHostInt:
			w.waddrAdd = waddrHostInt
		default:
			return errors.Wrap(qir.ErrUnsupportedInstruction, "write to %v", r)
		}
	default:
		return errors.Wrap(qir.ErrInvariantViolation, "dest %v after allocation", r)
	}

	return nil
}

// setSrc claims a read port for one operand and returns its mux.
func setSrc(w *word, s qir.RegOrImm) (uint8, error) {
	if s.IsImm() {
		code := s.Imm().Val

		if w.sig == sigSmallImm && w.usedB && w.raddrB != uint8(code) {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "two distinct immediates")
		}
		if w.usedB && w.sig != sigSmallImm {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "immediate with file B read")
		}

		w.sig = sigSmallImm
		w.raddrB = uint8(code)
		w.usedB = true

		return 7, nil
	}

	r := s.Reg()

	claimA := func(addr uint8) (uint8, error) {
		if w.usedA && w.raddrA != addr {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "file A port taken")
		}

		w.usedA = true
		w.raddrA = addr

		return 6, nil
	}

	claimB := func(addr uint8) (uint8, error) {
		if w.sig == sigSmallImm {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "file B port holds immediate")
		}
		if w.usedB && w.raddrB != addr {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "file B port taken")
		}

		w.usedB = true
		w.raddrB = addr

		return 7, nil
	}

	switch r.Tag {
	case qir.Acc:
		if r.ID > 5 {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "acc %d", r.ID)
		}

		return uint8(r.ID), nil
	case qir.RegA:
		if r.ID >= 32 {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "file A slot %d", r.ID)
		}

		return claimA(uint8(r.ID))
	case qir.RegB:
		if r.ID >= 32 {
			return 0, errors.Wrap(qir.ErrInvariantViolation, "file B slot %d", r.ID)
		}

		return claimB(uint8(r.ID))
	case qir.Special:
		switch r.ID {
		case qir.SpecUniform:
			return claimA(raddrUniform)
		case qir.SpecElemNum:
			return claimA(raddrElemQPU)
		case qir.SpecQPUNum:
			return claimB(raddrElemQPU)
		case qir.SpecVPMRead:
			return claimA(raddrVPM)
		default:
			return 0, errors.Wrap(qir.ErrUnsupportedInstruction, "read of %v", r)
		}
	default:
		return 0, errors.Wrap(qir.ErrInvariantViolation, "source %v after allocation", r)
	}
}

func assignCondCode(c qir.AssignCond) uint8 {
	switch c.Tag {
	case qir.CondAlways:
		return condAlways
	case qir.CondNever:
		return condNever
	default:
		switch c.Flag {
		case qir.ZS:
			return condZS
		case qir.ZC:
			return condZC
		case qir.NS:
			return condNS
		default:
			return condNC
		}
	}
}

func addOpCode(op qir.Op) (uint8, bool) {
	switch op {
	case qir.OpNop:
		return opNop, true
	case qir.OpFAdd:
		return opFAdd, true
	case qir.OpFSub:
		return opFSub, true
	case qir.OpFMin:
		return opFMin, true
	case qir.OpFMax:
		return opFMax, true
	case qir.OpFtoI:
		return opFtoI, true
	case qir.OpItoF:
		return opItoF, true
	case qir.OpAdd:
		return opAdd, true
	case qir.OpSub:
		return opSub, true
	case qir.OpShr:
		return opShr, true
	case qir.OpAsr:
		return opAsr, true
	case qir.OpShl:
		return opShl, true
	case qir.OpMin:
		return opMin, true
	case qir.OpMax:
		return opMax, true
	case qir.OpBAnd:
		return opAnd, true
	case qir.OpBOr:
		return opOr, true
	case qir.OpBXor:
		return opXor, true
	case qir.OpBNot:
		return opNot, true
	default:
		return 0, false
	}
}

// encodeALUList legalises the read ports and encodes one ALU
// instruction. Two operands from the same register file cannot both
// be read in one vc4 instruction, and an immediate occupies the
// file-B port; the offending operand is staged through r3 first.
// r3 is reserved as encoder scratch for exactly this.
func encodeALUList(in qir.Instr) ([]Instr, error) {
	var ret []Instr

	alu := &in.ALU

	// readFile is the register file a source reads through: special
	// registers have a fixed side, accumulators use neither port.
	readFile := func(r qir.Reg) qir.RegTag {
		switch r.Tag {
		case qir.RegA, qir.RegB:
			return r.Tag
		case qir.Special:
			if r.ID == qir.SpecQPUNum {
				return qir.RegB
			}

			return qir.RegA
		default:
			return qir.None
		}
	}

	conflict := func() bool {
		a, b := alu.SrcA, alu.SrcB

		if a.IsImm() && b.IsImm() {
			return a.Imm() != b.Imm()
		}

		if a.IsImm() && b.IsReg() {
			return readFile(b.Reg()) == qir.RegB
		}

		if b.IsImm() && a.IsReg() {
			return readFile(a.Reg()) == qir.RegB
		}

		ra, rb := a.Reg(), b.Reg()

		fa, fb := readFile(ra), readFile(rb)

		return fa == fb && fa != qir.None && ra != rb
	}

	if in.ALU.Op != qir.OpRotate && conflict() {
		var mov Instr
		var err error

		if alu.SrcB.IsReg() {
			mov, err = encodeALU(qir.Mov(qir.ACC3, alu.SrcB.Reg()))
			alu.SrcB.SetReg(qir.ACC3)
		} else {
			mov, err = encodeALU(qir.MovImm(qir.ACC3, alu.SrcB.Imm().Val))
			alu.SrcB.SetReg(qir.ACC3)
		}

		if err != nil {
			return nil, err
		}

		ret = append(ret, mov.Comment("stage operand through r3"))
	}

	w, err := encodeALU(in)
	if err != nil {
		return nil, err
	}

	return append(ret, w), nil
}

func encodeALU(in qir.Instr) (Instr, error) {
	w := Nop()
	alu := in.ALU

	cond := assignCondCode(alu.Cond)
	w.w.sf = alu.SetCond.FlagsSet()

	if alu.Op == qir.OpRotate {
		return encodeRotate(in)
	}

	if alu.Op.IsMul() {
		var mop uint8

		switch alu.Op {
		case qir.OpFMul:
			mop = opMFMul
		case qir.OpMul24:
			mop = opMMul24
		default:
			return w, errors.Wrap(qir.ErrUnsupportedInstruction, "mul op %v", alu.Op)
		}

		w.w.opMul = mop
		w.w.condMul = cond
		w.w.condAdd = condNever

		err := setDest(&w.w, alu.Dest)
		if err != nil {
			return w, err
		}

		// The mul ALU writes through the mul write port: swap the
		// address fields. The write-swap bit is mirrored, it selects
		// the opposite file for the mul port.
		w.w.waddrAdd, w.w.waddrMul = waddrNop, w.w.waddrAdd
		w.w.ws = !w.w.ws

		w.w.mulA, err = setSrc(&w.w, alu.SrcA)
		if err != nil {
			return w, err
		}

		w.w.mulB, err = setSrc(&w.w, alu.SrcB)
		if err != nil {
			return w, err
		}

		return w, nil
	}

	op, ok := addOpCode(alu.Op)
	if !ok {
		return w, errors.Wrap(qir.ErrUnsupportedInstruction, "op %v on vc4", alu.Op)
	}

	w.w.opAdd = op
	w.w.condAdd = cond
	w.w.condMul = condNever

	err := setDest(&w.w, alu.Dest)
	if err != nil {
		return w, err
	}

	w.w.addA, err = setSrc(&w.w, alu.SrcA)
	if err != nil {
		return w, err
	}

	w.w.addB, err = setSrc(&w.w, alu.SrcB)
	if err != nil {
		return w, err
	}

	return w, nil
}

// encodeRotate emits a vector rotate: a mul-ALU move with the rotate
// request in the small-immediate field, raddr_b 48+n. The source must
// already sit in r0; the amount is a literal in -15..16, taken mod 16.
func encodeRotate(in qir.Instr) (Instr, error) {
	w := Nop()
	alu := in.ALU

	if !alu.SrcA.IsReg() || alu.SrcA.Reg() != qir.ACC0 {
		return w, errors.Wrap(qir.ErrInvariantViolation, "rotate source must be r0")
	}

	if !alu.SrcB.IsImm() {
		return w, errors.Wrap(qir.ErrUnsupportedInstruction, "register rotate amount on vc4")
	}

	n := qir.SmallLitValue(alu.SrcB.Imm().Val)
	if n.IsFloat {
		return w, errors.Wrap(qir.ErrImmediateEncoding, "rotate amount %v", alu.SrcB)
	}

	w.w.opMul = opMV8Min
	w.w.condMul = assignCondCode(alu.Cond)
	w.w.condAdd = condNever
	w.w.sf = alu.SetCond.FlagsSet()

	err := setDest(&w.w, alu.Dest)
	if err != nil {
		return w, err
	}

	w.w.waddrAdd, w.w.waddrMul = waddrNop, w.w.waddrAdd
	w.w.ws = !w.w.ws

	w.w.sig = sigSmallImm
	w.w.raddrB = uint8(48 + (n.Int & 15))
	w.w.usedB = true

	w.w.mulA = 0 // r0
	w.w.mulB = 0

	return w, nil
}

func encodeLoadImmediate(in qir.Instr) ([]Instr, error) {
	w := Nop()
	w.w.li = true
	w.w.condAdd = assignCondCode(in.LI.Cond)
	w.w.condMul = condNever
	w.w.sf = in.LI.SetCond.FlagsSet()

	err := setDest(&w.w, in.LI.Dest)
	if err != nil {
		return nil, err
	}

	switch in.LI.Imm.Tag {
	case qir.ImmInt32:
		w.w.imm = uint32(in.LI.Imm.Int)
	case qir.ImmFloat32:
		w.w.imm = floatBits(in.LI.Imm.Float)
	case qir.ImmMask:
		w.w.liMode = 1
		w.w.imm = uint32(in.LI.Imm.Int) & 0xffff
	default:
		return nil, errors.Wrap(qir.ErrImmediateEncoding, "imm %v", in.LI.Imm)
	}

	return []Instr{w}, nil
}

func encodeBranchLabel(in qir.Instr) (Instr, error) {
	w := Nop()
	w.w = word{sig: sigBranch, waddrAdd: waddrNop, waddrMul: waddrNop}

	cond, err := branchCondCode(in.BRL.Cond)
	if err != nil {
		return w, err
	}

	w.w.condBr = cond
	w.Branch = true
	w.HasLabel = true
	w.Label = in.BRL.Label

	return w, nil
}

func branchCondCode(c qir.BranchCond) (uint8, error) {
	switch c.Tag {
	case qir.BCondAlways:
		return brAlways, nil
	case qir.BCondAll:
		switch c.Flag {
		case qir.ZS:
			return brAllZS, nil
		case qir.ZC:
			return brAllZC, nil
		case qir.NS:
			return brAllNS, nil
		case qir.NC:
			return brAllNC, nil
		}
	case qir.BCondAny:
		switch c.Flag {
		case qir.ZS:
			return brAnyZS, nil
		case qir.ZC:
			return brAnyZC, nil
		case qir.NS:
			return brAnyNS, nil
		case qir.NC:
			return brAnyNC, nil
		}
	}

	return 0, errors.Wrap(qir.ErrInvariantViolation, "branch condition %v", c)
}
