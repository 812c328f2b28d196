package v3d

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/qir"
)

// EpilogueLen is the number of words Encode appends after the program
// body: TMU sync plus the thread-end sequence.
const EpilogueLen = 4

// Encode lowers a register-allocated instruction list to v3d words.
// Adjacent compatible instructions are combined into one dual-issue
// word; the returned count feeds the compile-data diagnostics.
// Branches still carry labels: ResolveLabels runs afterwards.
func Encode(ctx context.Context, instrs qir.List) (out []Instr, combined int, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "v3d encode", "instrs", len(instrs))
	defer tr.Finish("err", &err)

	prevInitBegin := false
	prevInitEnd := false

	for i := 0; i < len(instrs); i++ {
		in := instrs[i]

		switch in.Tag {
		case qir.InitBegin:
			prevInitBegin = true
			continue
		case qir.InitEnd:
			out = append(out, encodeInit()...)
			prevInitEnd = true
			continue
		case qir.END:
			// vc4 program terminator; the v3d epilogue below ends the
			// program instead.
			continue
		}

		err = qir.CheckTag(in.Tag, qir.V3D)
		if err != nil {
			return nil, combined, errors.Wrap(err, "at %d", i)
		}

		var ret []Instr

		ok, cerr := tryCombine(instrs, &i, &ret)
		if cerr != nil {
			return nil, combined, errors.Wrap(cerr, "combine at %d", i)
		}

		if ok {
			combined++
		} else {
			ret, err = encodeInstr(in)
			if err != nil {
				return nil, combined, errors.Wrap(err, "at %d: %v", i, in)
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

	out = append(out, epilogue()...)

	tr.Printw("encoded", "words", len(out), "combined", combined)

	return out, combined, nil
}

// encodeInit is the platform initialisation inserted at INIT_END.
// Registers touched here did not participate in liveness; only
// accumulator-free, write-only code belongs in it.
func encodeInit() []Instr {
	one, _ := IntToCode(1)

	en := Nop()
	en.AddSet(aBOR, Loc{}, ImmSrc(one), ImmSrc(one))
	en.MagicA = true
	en.WAddrA = waddrSync

	return []Instr{en.Comment("enable TMU read")}
}

func epilogue() []Instr {
	end := Nop()
	end.Sig |= SigThrSw

	return []Instr{tmuwt(), end, Nop(), Nop()}
}

func tmuwt() Instr {
	w := Nop()
	w.OpAdd = aTMUWT

	return w
}

func ldtmu(dst Loc) Instr {
	w := Nop()
	w.Sig |= SigLdTMU
	w.addSetDst(dst)
	w.OpAdd = aNOP

	return w
}

func encodeInstr(in qir.Instr) ([]Instr, error) {
	switch in.Tag {
	case qir.BR:
		return nil, errors.Wrap(qir.ErrInvariantViolation, "BR before label resolution")
	case qir.LAB:
		return []Instr{{IsLabel: true, Label: in.Label}}, nil
	case qir.BRL:
		w, err := encodeBranchLabel(in)
		if err != nil {
			return nil, err
		}

		return []Instr{w}, nil
	case qir.LI:
		return encodeLoadImmediate(in)
	case qir.ALU:
		return encodeALUOp(in)
	case qir.RECV:
		dst, err := locFor(in.RECV)
		if err != nil {
			return nil, err
		}

		return []Instr{ldtmu(dst)}, nil
	case qir.TMU0ToACC4:
		return []Instr{ldtmu(r4)}, nil
	case qir.NOP:
		return []Instr{Nop()}, nil
	case qir.TMUWT:
		return []Instr{tmuwt()}, nil
	default:
		return nil, errors.Wrap(qir.ErrUnsupportedInstruction, "%v", in.Tag)
	}
}

// locFor maps an allocated register to a v3d location. File B keeps
// the vc4 convention of living 32 slots up in the unified file.
func locFor(r qir.Reg) (Loc, error) {
	switch r.Tag {
	case qir.RegA:
		if r.ID >= 64 {
			return Loc{}, errors.Wrap(qir.ErrInvariantViolation, "rf slot %d", r.ID)
		}

		return RF(uint8(r.ID)), nil
	case qir.RegB:
		if r.ID >= 32 {
			return Loc{}, errors.Wrap(qir.ErrInvariantViolation, "rf slot B%d", r.ID)
		}

		return RF(uint8(r.ID + 32)), nil
	case qir.Acc:
		if r.ID > 5 {
			return Loc{}, errors.Wrap(qir.ErrInvariantViolation, "acc %d", r.ID)
		}

		return R(uint8(r.ID)), nil
	default:
		return Loc{}, errors.Wrap(qir.ErrUnsupportedInstruction, "register %v", r)
	}
}

// specialWaddr maps writable special registers to magic addresses.
func specialWaddr(id qir.RegID) (uint8, bool) {
	switch id {
	case qir.SpecVPMWrite: // TMUD on v3d
		return waddrTMUD, true
	case qir.SpecDMAStoreAddr: // TMUA on v3d
		return waddrTMUA, true
	case qir.SpecTMU0S:
		return waddrTMUA, true
	case qir.SpecSFURecip:
		return waddrRecip, true
	case qir.SpecSFURecipSqrt:
		return waddrRSqrt, true
	case qir.SpecSFUExp:
		return waddrExp, true
	case qir.SpecSFULog:
		return waddrLog, true
	default:
		return 0, false
	}
}

func (i *Instr) addSetDstReg(r qir.Reg) error {
	if r.Tag == qir.Special {
		w, ok := specialWaddr(r.ID)
		if !ok {
			return errors.Wrap(qir.ErrUnsupportedInstruction, "write to %v", r)
		}

		i.MagicA = true
		i.WAddrA = w

		return nil
	}

	if r.Tag == qir.None {
		i.MagicA = true
		i.WAddrA = waddrNop

		return nil
	}

	loc, err := locFor(r)
	if err != nil {
		return err
	}

	i.addSetDst(loc)

	return nil
}

func srcFor(s qir.RegOrImm) (Src, error) {
	if s.IsImm() {
		code, err := encodeSmallImm(s.Imm())
		if err != nil {
			return Src{}, err
		}

		return ImmSrc(code), nil
	}

	loc, err := locFor(s.Reg())
	if err != nil {
		return Src{}, err
	}

	return LocSrc(loc), nil
}

func addOpCode(op qir.Op) (uint8, bool) {
	switch op {
	case qir.OpFAdd:
		return aFADD, true
	case qir.OpFSub:
		return aFSUB, true
	case qir.OpFMin:
		return aFMIN, true
	case qir.OpFMax:
		return aFMAX, true
	case qir.OpFtoI:
		return aFTOI, true
	case qir.OpItoF:
		return aITOF, true
	case qir.OpAdd:
		return aADD, true
	case qir.OpSub:
		return aSUB, true
	case qir.OpShr:
		return aSHR, true
	case qir.OpAsr:
		return aASR, true
	case qir.OpShl:
		return aSHL, true
	case qir.OpMin:
		return aMIN, true
	case qir.OpMax:
		return aMAX, true
	case qir.OpBAnd:
		return aBAND, true
	case qir.OpBOr:
		return aBOR, true
	case qir.OpBXor:
		return aBXOR, true
	case qir.OpBNot:
		return aBNOT, true
	case qir.OpTIdx:
		return aTIDX, true
	case qir.OpEIdx:
		return aEIDX, true
	default:
		return 0, false
	}
}

// mulOpCode maps MUL-ALU ops and the add ops that have a MUL-ALU
// equivalent on v3d.
func mulOpCode(op qir.Op) (uint8, bool) {
	switch op {
	case qir.OpFMul:
		return mFMUL, true
	case qir.OpMul24:
		return mSMUL24, true
	case qir.OpAdd:
		return mADD, true
	case qir.OpSub:
		return mSUB, true
	case qir.OpBOr:
		return mBOR, true
	case qir.OpBAnd:
		return mBAND, true
	case qir.OpBXor:
		return mBXOR, true
	case qir.OpMin:
		return mMIN, true
	case qir.OpMax:
		return mMAX, true
	default:
		return 0, false
	}
}

func isSpecialIndexReg(s qir.RegOrImm, id qir.RegID) bool {
	return s.IsReg() && s.Reg().Tag == qir.Special && s.Reg().ID == id
}

// checkSpecialIndex validates QPU_NUM and ELEM_NUM usage: they may
// only appear as both operands of an OR, the IR form of reading the
// current QPU or element number.
func checkSpecialIndex(in qir.Instr) error {
	if in.Tag != qir.ALU {
		return nil
	}

	special := func(s qir.RegOrImm) bool {
		return isSpecialIndexReg(s, qir.SpecQPUNum) || isSpecialIndexReg(s, qir.SpecElemNum)
	}

	a := special(in.ALU.SrcA)
	b := special(in.ALU.SrcB)

	if !a && !b {
		return nil
	}

	if in.ALU.Op != qir.OpBOr || !a || !b || in.ALU.SrcA != in.ALU.SrcB {
		return errors.Wrap(qir.ErrInvariantViolation,
			"QPU_NUM and ELEM_NUM only valid as both operands of an or")
	}

	return nil
}

func isSpecialIndex(in qir.Instr, id qir.RegID) bool {
	if in.Tag != qir.ALU || in.ALU.Op != qir.OpBOr {
		return false
	}

	return isSpecialIndexReg(in.ALU.SrcA, id) && isSpecialIndexReg(in.ALU.SrcB, id)
}

// translateOpcode encodes one ALU instruction as one word.
func translateOpcode(in qir.Instr) (Instr, error) {
	w := Nop()

	err := checkSpecialIndex(in)
	if err != nil {
		return w, err
	}

	// QPU and element numbers are not registers on v3d: they are
	// materialised by the tidx and eidx instructions.
	if isSpecialIndex(in, qir.SpecQPUNum) {
		w.OpAdd = aTIDX
		err = w.addSetDstReg(in.ALU.Dest)

		return w, err
	}

	if isSpecialIndex(in, qir.SpecElemNum) {
		w.OpAdd = aEIDX
		err = w.addSetDstReg(in.ALU.Dest)

		return w, err
	}

	srcA, err := srcFor(in.ALU.SrcA)
	if err != nil {
		return w, err
	}

	srcB, err := srcFor(in.ALU.SrcB)
	if err != nil {
		return w, err
	}

	if mop, ok := mulOpCode(in.ALU.Op); ok && in.ALU.Op.IsMul() {
		err = w.addSetDstRegNop()
		if err != nil {
			return w, err
		}

		if !w.mulSetReg(mop, in.ALU.Dest, srcA, srcB) {
			return w, errors.Wrap(qir.ErrInvariantViolation, "mul operand ports")
		}

		return w, nil
	}

	op, ok := addOpCode(in.ALU.Op)
	if !ok {
		return w, errors.Wrap(qir.ErrUnsupportedInstruction, "op %v", in.ALU.Op)
	}

	w.OpAdd = op

	err = w.addSetDstReg(in.ALU.Dest)
	if err != nil {
		return w, err
	}

	if !w.setSrc(srcA, &w.AddA) || !w.setSrc(srcB, &w.AddB) {
		return w, errors.Wrap(qir.ErrInvariantViolation, "add operand ports")
	}

	return w, nil
}

func (i *Instr) addSetDstRegNop() error {
	i.MagicA = true
	i.WAddrA = waddrNop

	return nil
}

func (i *Instr) mulSetReg(op uint8, dst qir.Reg, a, b Src) bool {
	i.OpMul = op

	if dst.Tag == qir.Special {
		w, ok := specialWaddr(dst.ID)
		if !ok {
			return false
		}

		i.MagicM = true
		i.WAddrM = w
	} else {
		loc, err := locFor(dst)
		if err != nil {
			return false
		}

		i.mulSetDst(loc)
	}

	return i.setSrc(a, &i.MulA) && i.setSrc(b, &i.MulB)
}

// translateRotate lowers a rotate: the source must sit in r0 and the
// result lands in r1, with a mandatory nop before the rotate itself.
func translateRotate(in qir.Instr) ([]Instr, error) {
	dst, err := locFor(in.ALU.Dest)
	if err != nil {
		return nil, err
	}

	if dst.Acc && dst.Idx == 1 {
		return nil, errors.Wrap(qir.ErrInvariantViolation, "rotate destination r1")
	}

	srcA, err := srcFor(in.ALU.SrcA)
	if err != nil {
		return nil, err
	}

	var ret []Instr

	if srcA.Imm || !srcA.Loc.Acc || srcA.Loc.Idx != 0 {
		mov := Nop()
		mov.AddSet(aBOR, r0, srcA, srcA)
		ret = append(ret, mov.Comment("rotate source to r0"))
	}

	ret = append(ret, Nop().Comment("required before rotate"))

	rot := Nop()
	rot.Sig |= SigRotate

	if in.ALU.SrcB.IsReg() {
		r := in.ALU.SrcB.Reg()
		if r.Tag != qir.Acc || r.ID != 5 {
			return nil, errors.Wrap(qir.ErrInvariantViolation, "rotate amount must be r5 or an immediate")
		}

		if !rot.MulSet(mROTATE, r1, LocSrc(r0), LocSrc(R(5))) {
			return nil, errors.Wrap(qir.ErrInvariantViolation, "rotate ports")
		}
	} else {
		w := qir.SmallLitValue(in.ALU.SrcB.Imm().Val)
		if w.IsFloat || w.Int < -15 || w.Int > 16 {
			return nil, errors.Wrap(qir.ErrImmediateEncoding, "rotate amount %v", in.ALU.SrcB)
		}

		n := w.Int
		if n == 16 {
			n = -16
		}

		code, _ := IntToCode(n)

		if !rot.MulSet(mROTATE, r1, LocSrc(r0), ImmSrc(code)) {
			return nil, errors.Wrap(qir.ErrInvariantViolation, "rotate ports")
		}
	}

	ret = append(ret, rot)

	mov := Nop()
	mov.AddSet(aBOR, dst, LocSrc(r1), LocSrc(r1))
	ret = append(ret, mov)

	return ret, nil
}

func encodeALUOp(in qir.Instr) ([]Instr, error) {
	var ret []Instr

	switch {
	case in.IsUniformLoad():
		w := Nop()
		w.Sig |= SigLdUnifRF

		err := w.addSetDstReg(in.ALU.Dest)
		if err != nil {
			return nil, err
		}

		ret = []Instr{w}
	case in.IsRot():
		var err error

		ret, err = translateRotate(in)
		if err != nil {
			return nil, err
		}
	default:
		w, err := translateOpcode(in)
		if err != nil {
			return nil, err
		}

		ret = []Instr{w}
	}

	return handleConditionTags(in, ret)
}

// handleConditionTags applies the assign condition as a run condition,
// or pushes flags from the last word when the instruction sets them.
func handleConditionTags(in qir.Instr, ret []Instr) ([]Instr, error) {
	cond := in.AssignCond()

	if cond.IsNever() {
		return nil, errors.Wrap(qir.ErrInvariantViolation, "never condition reached encoding")
	}

	setCond := in.SetCond()

	if !setCond.FlagsSet() {
		setCondTag(cond, ret)
		return ret, nil
	}

	if !cond.IsAlways() {
		return nil, errors.Wrap(qir.ErrInvariantViolation, "conditional flag push")
	}

	last := &ret[len(ret)-1]
	last.Cond.Push = pushCode(setCond)

	return ret, nil
}

func setCondTag(cond qir.AssignCond, ret []Instr) {
	if cond.Tag != qir.CondFlag {
		return
	}

	// vc4 flag conditions map onto flag-a tests: set flags are ifa,
	// cleared flags ifna.
	c := uint8(1) // ifa
	if cond.Flag == qir.ZC || cond.Flag == qir.NC {
		c = 2 // ifna
	}

	for i := range ret {
		ret[i].Cond.AddCond = c

		if ret[i].OpMul != mNOP {
			ret[i].Cond.MulCond = c
		}
	}
}

func pushCode(sc qir.SetCond) uint8 {
	switch sc.Tag {
	case qir.SetZ:
		return 1
	case qir.SetN:
		return 2
	case qir.SetC:
		return 3
	default:
		return 0
	}
}

func encodeLoadImmediate(in qir.Instr) ([]Instr, error) {
	var ret []Instr

	dst := in.LI.Dest

	var loc Loc

	switch dst.Tag {
	case qir.Special:
		// Materialise in r1, then move to the special.
		loc = r1
	default:
		var err error

		loc, err = locFor(dst)
		if err != nil {
			return nil, err
		}
	}

	switch in.LI.Imm.Tag {
	case qir.ImmInt32:
		err := encodeInt(&ret, loc, in.LI.Imm.Int)
		if err != nil {
			return nil, err
		}
	case qir.ImmFloat32:
		err := encodeFloat(&ret, loc, in.LI.Imm.Float)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrap(qir.ErrImmediateEncoding, "imm tag %v on v3d", in.LI.Imm)
	}

	if dst.Tag == qir.Special {
		mov := Nop()

		err := mov.addSetDstReg(dst)
		if err != nil {
			return nil, err
		}

		mov.OpAdd = aBOR
		if !mov.setSrc(LocSrc(loc), &mov.AddA) || !mov.setSrc(LocSrc(loc), &mov.AddB) {
			return nil, errors.Wrap(qir.ErrInvariantViolation, "li special ports")
		}

		ret = append(ret, mov)
	}

	setCondTag(in.LI.Cond, ret)

	return ret, nil
}

func encodeBranchLabel(in qir.Instr) (Instr, error) {
	w := Instr{
		Branch:   true,
		HasLabel: true,
		Label:    in.BRL.Label,
	}

	cond, err := encodeBranchCond(in.BRL.Cond)
	if err != nil {
		return w, err
	}

	w.BranchCond = cond

	return w, nil
}

// encodeBranchCond maps the vc4 all/any conditions onto the v3d
// branch condition codes. The NC and NS rows mirror the original
// mapping; cross-check against the hardware manual before extending.
func encodeBranchCond(c qir.BranchCond) (uint8, error) {
	switch c.Tag {
	case qir.BCondAlways:
		return bAlways, nil
	case qir.BCondAll:
		switch c.Flag {
		case qir.ZC, qir.NC:
			return bAllNA, nil
		case qir.ZS, qir.NS:
			return bAllA, nil
		}
	case qir.BCondAny:
		switch c.Flag {
		case qir.ZC, qir.NC:
			return bAnyNA, nil
		case qir.ZS, qir.NS:
			return bAnyA, nil
		}
	}

	return 0, errors.Wrap(qir.ErrInvariantViolation, "branch condition %v", c)
}
