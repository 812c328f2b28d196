// Package regalloc assigns physical registers to the variables of a
// target instruction list by greedy interference-graph colouring.
// Spill is not implemented: running out of file capacity is a fatal
// compile error.
package regalloc

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/liveness"
	"github.com/slowlang/qpu/compiler/qir"
)

type (
	// Result carries the allocation table and counters for the
	// compile-data diagnostics.
	Result struct {
		Usage    liveness.RegUsage
		NumAccs  int
		Warnings []string

		LivenessDump string
	}
)

// Allocate rewrites every variable of instrs to a physical register
// in place. The incoming list has all variables tagged RegA with the
// id set to the variable id; predefined accumulators, specials and
// None pass through untouched.
func Allocate(ctx context.Context, target qir.Target, cfg qir.CFG, instrs qir.List, numVars int) (res *Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "regalloc", "target", target, "vars", numVars)
	defer tr.Finish("err", &err)

	res = &Result{}

	// Accumulator pre-pass. Minimises the variable count before the
	// liveness run that allocation works from. Renaming does not
	// change the list shape, so the CFG stays valid.
	{
		accAlloc := liveness.NewRegUsage(numVars)
		accAlloc.SetUsed(instrs)

		live := liveness.New(cfg)
		live.Compute(ctx, instrs)

		res.NumAccs = liveness.IntroduceAccum(ctx, target, live, instrs, accAlloc)
	}

	alloc := liveness.NewRegUsage(numVars)
	alloc.SetUsed(instrs)

	live := liveness.New(cfg)
	live.Compute(ctx, instrs)
	alloc.SetLive(live)

	res.Usage = alloc
	res.LivenessDump = live.Dump()

	warnings, err := alloc.Check(target)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return res, errors.Wrap(err, "reg usage")
	}

	liveWith := liveness.NewLiveSets(numVars)
	liveWith.Init(instrs, live)

	switch target {
	case qir.VC4:
		err = colorVC4(ctx, instrs, alloc, liveWith, numVars)
	case qir.V3D:
		err = colorV3D(ctx, alloc, liveWith, numVars)
	default:
		err = errors.Wrap(qir.ErrInvariantViolation, "unknown target %v", target)
	}
	if err != nil {
		return res, err
	}

	apply(ctx, instrs, alloc, res)

	if tr.If("dump_alloc") {
		tr.Printw("allocated registers", "dump", alloc.AllocatedRegistersDump())
	}

	return res, nil
}

// apply rewrites the variables of every instruction to the allocated
// registers. Renaming goes through the transient TmpA/TmpB tags first:
// renaming variable i straight to register i would collide with a
// not-yet-renamed variable of the same id.
func apply(ctx context.Context, instrs qir.List, alloc liveness.RegUsage, res *Result) {
	tr := tlog.SpanFromContext(ctx)

	for i := range instrs {
		in := &instrs[i]

		ud := qir.UseDefVars(*in, false)

		for _, r := range ud.Def {
			replace := alloc[r].Reg

			if replace.Tag == qir.Acc {
				res.Warnings = append(res.Warnings,
					"accumulator found in allocation of dest vars")

				tr.V("alloc").Printw("acc in dest alloc", "i", i, "var", r)
				continue
			}

			replace.Tag = tmpTag(replace.Tag)

			qir.RenameDest(in, qir.Var(r), replace)
		}

		for _, r := range ud.Use {
			replace := alloc[r].Reg

			if replace.Tag == qir.Acc {
				res.Warnings = append(res.Warnings,
					"accumulator found in allocation of use vars")
				continue
			}

			replace.Tag = tmpTag(replace.Tag)

			qir.RenameUses(in, qir.Var(r), replace)
		}

		qir.SubstRegTag(in, qir.TmpA, qir.RegA)
		qir.SubstRegTag(in, qir.TmpB, qir.RegB)
	}
}

func tmpTag(t qir.RegTag) qir.RegTag {
	if t == qir.RegA {
		return qir.TmpA
	}

	return qir.TmpB
}
