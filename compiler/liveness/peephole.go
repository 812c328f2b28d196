package liveness

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/set"
)

// replacementAcc picks the accumulator for a substitution. r1 by
// default; rotates use r0/r1 internally on v3d, so r2 near a rotate.
func replacementAcc(target qir.Target, prev, instr qir.Instr) qir.Reg {
	if target == qir.V3D && (prev.IsRot() || instr.IsRot()) {
		return qir.ACC2
	}

	return qir.ACC1
}

// IntroduceAccum rewrites variables to accumulators where it cannot
// extend a live range, so that fewer variables reach allocation.
// Returns the number of substitutions, recorded on the compile data.
func IntroduceAccum(ctx context.Context, target qir.Target, live *Liveness, instrs qir.List, alloc RegUsage) int {
	tr := tlog.SpanFromContext(ctx)

	n := peephole1(ctx, target, live, instrs, alloc)
	n += peephole2(ctx, target, instrs, alloc)

	tr.V("peephole").Printw("accumulators introduced", "count", n)

	return n
}

// peephole1 applies the rewrite
//
//	i-1:  x <- f(...)
//	i:    g(..., x, ...)
//
// to an accumulator when x is not live-out of i and the definition is
// unconditional.
func peephole1(ctx context.Context, target qir.Target, live *Liveness, instrs qir.List, alloc RegUsage) int {
	tr := tlog.SpanFromContext(ctx)

	var liveOut set.Bitmap

	count := 0

	for i := 1; i < len(instrs); i++ {
		prev := &instrs[i-1]
		instr := &instrs[i]

		udPrev := qir.UseDefVars(*prev, false)
		if len(udPrev.Def) == 0 {
			continue
		}

		def := udPrev.Def[0]

		udCur := qir.UseDefVars(*instr, false)
		if !containsID(udCur.Use, def) {
			continue
		}

		live.LiveOut(i, &liveOut)
		if liveOut.IsSet(int(def)) {
			continue
		}

		if !prev.IsAlways() {
			continue
		}

		current := qir.Var(def)
		acc := replacementAcc(target, *prev, *instr)

		qir.RenameDest(prev, current, acc)
		qir.RenameUses(instr, current, acc)

		// Recorded for the diagnostics dump only; the variable may
		// still have other occurrences that keep their own register.
		alloc[def].Reg = acc

		tr.V("peephole").Printw("acc substituted", "i", i, "var", def, "acc", acc)

		count++
	}

	return count
}

// peephole2 rewrites dead stores: a variable assigned but never used
// has its definition retargeted to an accumulator. The instruction
// itself is kept; dropping side-effect-free ones is a permitted
// optimisation not performed here.
func peephole2(ctx context.Context, target qir.Target, instrs qir.List, alloc RegUsage) int {
	tr := tlog.SpanFromContext(ctx)

	count := 0
	prev := qir.Nop()

	for i := 0; i < len(instrs); i++ {
		instr := &instrs[i]

		ud := qir.UseDefVars(*instr, false)
		if len(ud.Def) == 0 {
			continue
		}

		def := ud.Def[0]

		if !alloc[def].OnlyAssigned() {
			continue
		}

		acc := replacementAcc(target, prev, *instr)

		qir.RenameDest(instr, qir.Var(def), acc)

		alloc[def].Reg = acc

		tr.V("peephole").Printw("dead store to acc", "i", i, "var", def, "acc", acc)

		count++
	}

	return count
}

func containsID(l []qir.RegID, id qir.RegID) bool {
	for _, x := range l {
		if x == id {
			return true
		}
	}

	return false
}
