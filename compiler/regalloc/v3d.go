package regalloc

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/liveness"
	"github.com/slowlang/qpu/compiler/qir"
)

// colorV3D lays variables out into the unified 64-slot register file.
// Same greedy colouring as vc4 with both files collapsed into one, so
// no file preference applies.
func colorV3D(ctx context.Context, alloc liveness.RegUsage, liveWith liveness.LiveSets, numVars int) error {
	tr := tlog.SpanFromContext(ctx)

	numRegs := qir.V3D.SizeRegFile()

	for i := 0; i < numVars; i++ {
		if alloc[i].Reg.Tag != qir.None {
			continue
		}
		if alloc[i].Unused() {
			continue
		}

		possible := liveWith.PossibleRegisters(i, alloc, qir.RegA, numRegs)

		chosen := liveness.ChooseRegister(possible)
		if chosen < 0 {
			return errors.Wrap(qir.ErrRegAllocFailure, "v3d, var %d", i)
		}

		alloc[i].Reg = qir.Reg{Tag: qir.RegA, ID: chosen}

		tr.V("color").Printw("v3d color", "var", i, "reg", alloc[i].Reg)
	}

	return nil
}
