package regalloc

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/liveness"
	"github.com/slowlang/qpu/compiler/qir"
)

// twoUses extracts both register operands of an ALU instruction.
func twoUses(in qir.Instr) (a, b qir.Reg, ok bool) {
	if in.Tag != qir.ALU || !in.ALU.SrcA.IsReg() || !in.ALU.SrcB.IsReg() {
		return a, b, false
	}

	return in.ALU.SrcA.Reg(), in.ALU.SrcB.Reg(), true
}

// filePreference counts, per variable, how often it would profit from
// sitting in file A or file B. Two register operands of the same
// instruction must come from different files on vc4; an immediate
// operand occupies the file-B read port, biasing the other operand
// toward A.
func filePreference(instrs qir.List, numVars int) (prefA, prefB []int) {
	prefA = make([]int, numVars)
	prefB = make([]int, numVars)

	for _, in := range instrs {
		ra, rb, ok := twoUses(in)

		switch {
		case ok && ra.Tag == qir.RegA && rb.Tag == qir.RegA:
			x, y := ra.ID, rb.ID

			if prefA[x] > prefA[y] || prefB[y] > prefB[x] {
				prefA[x]++
				prefB[y]++
			} else {
				prefA[y]++
				prefB[x]++
			}
		case in.Tag == qir.ALU && in.ALU.SrcA.IsReg() && in.ALU.SrcA.Reg().Tag == qir.RegA && in.ALU.SrcB.IsImm():
			prefA[in.ALU.SrcA.Reg().ID]++
		case in.Tag == qir.ALU && in.ALU.SrcB.IsReg() && in.ALU.SrcB.Reg().Tag == qir.RegA && in.ALU.SrcA.IsImm():
			prefA[in.ALU.SrcB.Reg().ID]++
		}
	}

	return prefA, prefB
}

// colorVC4 assigns a register from file A or B to each variable,
// honouring the file preference when both files have room and
// alternating files on ties for stability.
func colorVC4(ctx context.Context, instrs qir.List, alloc liveness.RegUsage, liveWith liveness.LiveSets, numVars int) error {
	tr := tlog.SpanFromContext(ctx)

	prefA, prefB := filePreference(instrs, numVars)

	numRegs := qir.VC4.SizeRegFile()
	prevFile := qir.RegB

	for i := 0; i < numVars; i++ {
		if alloc[i].Reg.Tag != qir.None {
			continue
		}
		if alloc[i].Unused() {
			continue
		}

		possibleA := liveWith.PossibleRegisters(i, alloc, qir.RegA, numRegs)
		possibleB := liveWith.PossibleRegisters(i, alloc, qir.RegB, numRegs)

		chosenA := liveness.ChooseRegister(possibleA)
		chosenB := liveness.ChooseRegister(possibleB)

		var file qir.RegTag

		switch {
		case chosenA < 0 && chosenB < 0:
			return errors.Wrap(qir.ErrRegAllocFailure, "vc4, var %d", i)
		case chosenA < 0:
			file = qir.RegB
		case chosenB < 0:
			file = qir.RegA
		case prefA[i] > prefB[i]:
			file = qir.RegA
		case prefA[i] < prefB[i]:
			file = qir.RegB
		case prevFile == qir.RegA:
			file = qir.RegB
		default:
			file = qir.RegA
		}

		prevFile = file

		id := chosenA
		if file == qir.RegB {
			id = chosenB
		}

		alloc[i].Reg = qir.Reg{Tag: file, ID: id}

		tr.V("color").Printw("vc4 color", "var", i, "reg", alloc[i].Reg,
			"prefA", prefA[i], "prefB", prefB[i])
	}

	return nil
}
