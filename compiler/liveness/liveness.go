// Package liveness computes per-instruction live variable sets and
// hosts the accumulator peephole that runs before register allocation.
package liveness

import (
	"context"
	"fmt"
	"strings"

	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/set"
)

type (
	// Liveness is the per-instruction live-in table over a fixed CFG.
	Liveness struct {
		cfg qir.CFG
		m   []set.Bitmap
	}
)

func New(cfg qir.CFG) *Liveness {
	return &Liveness{
		cfg: cfg,
		m:   make([]set.Bitmap, len(cfg)),
	}
}

// Compute runs the backward iterative fixed point
//
//	liveOut[i] = union of liveIn[s] over successors s
//	liveIn[i]  = (liveOut[i] \ def[i]) | use[i]
//
// until no set changes, then prunes the ranges over-extended by the
// where-assign-counts-as-use rule.
func (l *Liveness) Compute(ctx context.Context, instrs qir.List) {
	tr := tlog.SpanFromContext(ctx)

	var liveOut, liveIn set.Bitmap

	changed := true
	passes := 0

	for changed {
		changed = false
		passes++

		for i := len(instrs) - 1; i >= 0; i-- {
			ud := qir.UseDefVars(instrs[i], true)

			l.LiveOut(i, &liveOut)

			liveIn.Reset()
			liveIn.Or(liveOut)

			for _, d := range ud.Def {
				liveIn.Clear(int(d))
			}

			for _, u := range ud.Use {
				liveIn.Set(int(u))
			}

			if l.m[i].OrChanged(liveIn) {
				changed = true
			}
		}
	}

	l.correctRanges(instrs)

	tr.V("liveness").Printw("liveness computed", "instrs", len(instrs), "passes", passes)

	if tr.If("dump_liveness") {
		tr.Printw("liveness", "dump", l.Dump())
	}
}

// correctRanges removes the spurious live range from program entry to
// the first definition that the conservative where-use rule creates.
// This is the only place the fixed point is pruned.
func (l *Liveness) correctRanges(instrs qir.List) {
	firstDef := map[qir.RegID]int{}

	for i, in := range instrs {
		ud := qir.UseDefVars(in, false)

		for _, d := range ud.Def {
			if _, ok := firstDef[d]; !ok {
				firstDef[d] = i
			}
		}
	}

	for v, def := range firstDef {
		first := -1

		for i := range l.m {
			if l.m[i].IsSet(int(v)) {
				first = i
				break
			}
		}

		if first < 0 || first == def+1 {
			continue
		}

		for j := first; j <= def && j < len(l.m); j++ {
			l.m[j].Clear(int(v))
		}
	}
}

// LiveOut collects the union of live-in sets of the successors of i.
func (l *Liveness) LiveOut(i int, out *set.Bitmap) {
	out.Reset()

	for _, s := range l.cfg[i] {
		out.Or(l.m[s])
	}
}

func (l *Liveness) LiveIn(i int) *set.Bitmap {
	return &l.m[i]
}

func (l *Liveness) Size() int { return len(l.m) }

func (l *Liveness) CFG() qir.CFG { return l.cfg }

// Dump renders the table one line per instruction: "i: v0, v1, ...".
func (l *Liveness) Dump() string {
	var b strings.Builder

	for i := range l.m {
		fmt.Fprintf(&b, "%d: ", i)

		first := true

		l.m[i].Range(func(v int) bool {
			if !first {
				b.WriteString(", ")
			}

			first = false
			fmt.Fprintf(&b, "%d", v)

			return true
		})

		b.WriteByte('\n')
	}

	return b.String()
}
