package v3d

import (
	"github.com/slowlang/qpu/compiler/qir"
)

// Dual-issue combining: an ADD-ALU instruction and a MUL-ALU-capable
// neighbour become one 64-bit word when the register read ports and
// condition fields allow it. The criteria are intentionally strict;
// relax only with hardware validation.

func usesMulALU(in qir.Instr) bool {
	return in.Tag == qir.ALU && in.ALU.Op.IsMul()
}

func usesAddALU(in qir.Instr) bool {
	return in.Tag == qir.ALU && !in.ALU.Op.IsMul()
}

func canUseMulALU(in qir.Instr) bool {
	if in.Tag != qir.ALU {
		return false
	}
	if in.ALU.Op.IsRot() {
		// rotates need their own setup sequence
		return false
	}

	return in.ALU.Op.IsMul() || in.ALU.Op.CanRunOnMul()
}

// validCombinePair reports whether the pair can share a word, and
// whether the roles have to be swapped (converse: the first one runs
// on the MUL ALU).
func validCombinePair(in, next qir.Instr) (converse, ok bool) {
	if usesAddALU(in) && canUseMulALU(next) {
		return false, true
	}

	if canUseMulALU(in) && usesAddALU(next) {
		return true, true
	}

	return false, false
}

func instrImm(in qir.Instr) (qir.SmallImm, bool) {
	if in.ALU.SrcA.IsImm() {
		return in.ALU.SrcA.Imm(), true
	}

	if in.ALU.SrcB.IsImm() {
		return in.ALU.SrcB.Imm(), true
	}

	return qir.SmallImm{}, false
}

func regFileSrcs(ins ...qir.Instr) (rf []qir.Reg, special bool) {
	add := func(r qir.Reg) {
		for _, x := range rf {
			if x == r {
				return
			}
		}

		rf = append(rf, r)
	}

	for _, in := range ins {
		for _, r := range in.SrcRegs(false) {
			switch r.Tag {
			case qir.Special:
				special = true
			case qir.RegA, qir.RegB:
				add(r)
			}
		}
	}

	return rf, special
}

// canCombine checks the structural criteria: a valid ALU pair, at most
// two distinct register-file sources between them (v3d has exactly two
// read ports), at most one distinct immediate, no special sources, and
// the destination of the first instruction not read by the second.
func canCombine(in, next qir.Instr) bool {
	if in.Tag != qir.ALU || next.Tag != qir.ALU {
		return false
	}

	if _, ok := validCombinePair(in, next); !ok {
		return false
	}

	switch in.ALU.Op {
	case qir.OpTIdx, qir.OpEIdx:
		return false
	}

	switch next.ALU.Op {
	case qir.OpTIdx, qir.OpEIdx:
		return false
	}

	if isSpecialIndex(in, qir.SpecQPUNum) || isSpecialIndex(in, qir.SpecElemNum) ||
		isSpecialIndex(next, qir.SpecQPUNum) || isSpecialIndex(next, qir.SpecElemNum) {
		return false
	}

	imm, hasImm := instrImm(in)
	nextImm, nextHasImm := instrImm(next)

	if hasImm && nextHasImm && imm != nextImm {
		return false
	}

	uniqueSrc := 0

	if hasImm || nextHasImm {
		uniqueSrc++
	}

	rf, special := regFileSrcs(in, next)
	if special {
		return false
	}

	uniqueSrc += len(rf)

	if uniqueSrc > 2 {
		return false
	}

	// A result is not forwarded within the word, so the second
	// instruction may not read what the first one writes. Possibly a
	// conservative bailout; do not relax without hardware validation.
	dst := in.ALU.Dest

	if next.ALU.SrcA.IsReg() && next.ALU.SrcA.Reg() == dst {
		return false
	}

	if next.ALU.SrcB.IsReg() && next.ALU.SrcB.Reg() == dst {
		return false
	}

	return true
}

// tryCombine attempts to emit instrs[*i] and instrs[*i+1] as one word.
// On success *i is advanced past the pair.
func tryCombine(instrs qir.List, i *int, out *[]Instr) (bool, error) {
	if *i+1 >= len(instrs) {
		return false, nil
	}

	in := instrs[*i]
	next := instrs[*i+1]

	if in.Tag != qir.ALU || next.Tag != qir.ALU {
		return false, nil
	}

	if in.AssignCond() != next.AssignCond() {
		return false, nil
	}

	if in.IsCondAssign() {
		return false, nil
	}

	if !canCombine(in, next) {
		return false, nil
	}

	converse, _ := validCombinePair(in, next)

	addInstr, mulInstr := in, next
	if converse {
		addInstr, mulInstr = next, in
	}

	// Combined flag pushes would reorder the consecutive pushes that
	// boolean conditions rely on.
	if addInstr.SetCond().FlagsSet() || mulInstr.SetCond().FlagsSet() {
		return false, nil
	}

	if addInstr.IsUniformLoad() || mulInstr.IsUniformLoad() {
		return false, nil
	}

	w, err := translateOpcode(addInstr)
	if err != nil {
		return false, nil
	}

	mop, ok := mulOpCode(mulInstr.ALU.Op)
	if !ok {
		return false, nil
	}

	srcA, err := srcFor(mulInstr.ALU.SrcA)
	if err != nil {
		return false, nil
	}

	srcB, err := srcFor(mulInstr.ALU.SrcB)
	if err != nil {
		return false, nil
	}

	if !w.mulSetReg(mop, mulInstr.ALU.Dest, srcA, srcB) {
		return false, nil
	}

	ws := []Instr{w}
	setCondTag(in.AssignCond(), ws)

	wc := ws[0]
	wc.TransferComments(in)
	wc.TransferComments(next)

	*i++
	*out = append(*out, wc)

	return true, nil
}

// TransferComments copies listing annotations from a source IR
// instruction onto the encoded word.
func (i *Instr) TransferComments(src qir.Instr) {
	if h := src.GetHeader(); h != "" && i.header == "" {
		i.header = h
	}

	if c := src.GetComment(); c != "" {
		if i.comment != "" {
			i.comment += "; "
		}

		i.comment += c
	}
}
