package liveness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/set"
)

func addProgram() qir.List {
	return qir.List{
		qir.LoadI(qir.Var(0), qir.IntImm(100)),
		qir.LoadI(qir.Var(1), qir.IntImm(200)),
		qir.ALUOp(qir.OpAdd, qir.Var(2), qir.RegSrc(qir.Var(0)), qir.RegSrc(qir.Var(1))),
		qir.Instr{Tag: qir.END},
	}
}

func compute(t *testing.T, instrs qir.List) *Liveness {
	t.Helper()

	cfg, err := qir.BuildCFG(instrs)
	require.NoError(t, err)

	l := New(cfg)
	l.Compute(context.Background(), instrs)

	return l
}

func TestLivenessStraightLine(t *testing.T) {
	l := compute(t, addProgram())

	assert.Equal(t, 0, l.LiveIn(0).Size())
	assert.True(t, l.LiveIn(1).IsSet(0))
	assert.True(t, l.LiveIn(2).IsSet(0))
	assert.True(t, l.LiveIn(2).IsSet(1))
	assert.Equal(t, 0, l.LiveIn(3).Size())
}

// The fixed point property: liveIn[i] == (liveOut[i] \ def[i]) | use[i]
// for every instruction of an unconditional program.
func TestLivenessFixpoint(t *testing.T) {
	l0 := qir.Label(0)

	loop := qir.List{
		qir.LoadI(qir.Var(0), qir.IntImm(0)),  // i = 0
		qir.LoadI(qir.Var(1), qir.IntImm(10)), // n = 10
		qir.LabelInstr(l0),
		qir.ALUOp(qir.OpAdd, qir.Var(0), qir.RegSrc(qir.Var(0)), qir.ImmSrc(1)),
		qir.ALUOp(qir.OpSub, qir.Var(2), qir.RegSrc(qir.Var(0)), qir.RegSrc(qir.Var(1))).
			SetCondFlag(qir.SetCond{Tag: qir.SetN}),
		qir.Branch(qir.BranchCond{Tag: qir.BCondAny, Flag: qir.NS}, l0),
		qir.ALUOp(qir.OpBOr, qir.Var(3), qir.RegSrc(qir.Var(2)), qir.RegSrc(qir.Var(2))),
		qir.Instr{Tag: qir.END},
	}

	l := compute(t, loop)

	var liveOut, want set.Bitmap

	for i, in := range loop {
		ud := qir.UseDefVars(in, true)

		l.LiveOut(i, &liveOut)

		want.Reset()
		want.Or(liveOut)

		for _, d := range ud.Def {
			want.Clear(int(d))
		}

		for _, u := range ud.Use {
			want.Set(int(u))
		}

		got := l.LiveIn(i)

		want.Range(func(v int) bool {
			assert.True(t, got.IsSet(v), "instr %d: %d missing from liveIn", i, v)
			return true
		})

		got.Range(func(v int) bool {
			assert.True(t, want.IsSet(v), "instr %d: %d extra in liveIn", i, v)
			return true
		})
	}
}

// Conditional writes keep the old value alive, but not back to program
// entry: the earlier unconditional definition ends the range.
func TestLivenessWhereCorrection(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(qir.Var(0), qir.IntImm(1)), // 0: def v0
		qir.Nop(),                            // 1
		qir.LoadI(qir.Var(1), qir.IntImm(2)), // 2: def v1
		qir.ALUOp(qir.OpBOr, qir.Var(1), qir.RegSrc(qir.Var(0)), qir.RegSrc(qir.Var(0))).
			Cond(qir.AssignCond{Tag: qir.CondFlag, Flag: qir.ZS}), // 3: conditional write
		qir.ALUOp(qir.OpAdd, qir.Var(2), qir.RegSrc(qir.Var(1)), qir.RegSrc(qir.Var(1))), // 4
		qir.Instr{Tag: qir.END}, // 5
	}

	l := compute(t, instrs)

	// v1 live across the conditional write
	assert.True(t, l.LiveIn(3).IsSet(1))
	assert.True(t, l.LiveIn(4).IsSet(1))

	// but not before its first definition
	assert.False(t, l.LiveIn(0).IsSet(1))
	assert.False(t, l.LiveIn(1).IsSet(1))
	assert.False(t, l.LiveIn(2).IsSet(1))
}

// A variable whose only definition is conditional would be live from
// program entry under the where-use rule; the prune cuts that prefix.
func TestLivenessPrunesEntryRange(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(qir.Var(0), qir.IntImm(1)), // 0
		qir.ALUOp(qir.OpBOr, qir.Var(1), qir.RegSrc(qir.Var(0)), qir.RegSrc(qir.Var(0))).
			Cond(qir.AssignCond{Tag: qir.CondFlag, Flag: qir.ZS}), // 1
		qir.ALUOp(qir.OpAdd, qir.Var(2), qir.RegSrc(qir.Var(1)), qir.RegSrc(qir.Var(1))), // 2
		qir.Instr{Tag: qir.END}, // 3
	}

	l := compute(t, instrs)

	assert.False(t, l.LiveIn(0).IsSet(1))
	assert.False(t, l.LiveIn(1).IsSet(1))
	assert.True(t, l.LiveIn(2).IsSet(1))
}

func TestIntroduceAccum(t *testing.T) {
	instrs := addProgram()

	l := compute(t, instrs)

	alloc := NewRegUsage(3)
	alloc.SetUsed(instrs)

	n := IntroduceAccum(context.Background(), qir.V3D, l, instrs, alloc)

	// v1 is defined at 1 and last used at 2; v2 is a dead store
	assert.Equal(t, 2, n)
	assert.Equal(t, qir.ACC1, instrs[1].LI.Dest)
	assert.Equal(t, qir.ACC1, instrs[2].ALU.SrcB.Reg())
	assert.Equal(t, qir.ACC1, instrs[2].ALU.Dest)

	// v0 is not adjacent to its definition, so it keeps its variable
	assert.Equal(t, qir.Var(0), instrs[2].ALU.SrcA.Reg())
}

// Accumulator substitution safety: the variable must not be live-out
// of the use, and the definition must be unconditional.
func TestIntroduceAccumSkipsLiveOut(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(qir.Var(0), qir.IntImm(1)),
		qir.ALUOp(qir.OpAdd, qir.Var(1), qir.RegSrc(qir.Var(0)), qir.RegSrc(qir.Var(0))),
		qir.ALUOp(qir.OpAdd, qir.Var(2), qir.RegSrc(qir.Var(0)), qir.RegSrc(qir.Var(1))),
		qir.Instr{Tag: qir.END},
	}

	l := compute(t, instrs)

	alloc := NewRegUsage(3)
	alloc.SetUsed(instrs)

	n := IntroduceAccum(context.Background(), qir.V3D, l, instrs, alloc)

	// v0 is live-out of instruction 1, so it stays; v1 qualifies for
	// the adjacent-pair rewrite and v2 for the dead-store one
	assert.Equal(t, 2, n)
	assert.Equal(t, qir.Var(0), instrs[1].ALU.SrcA.Reg())
	assert.Equal(t, qir.ACC1, instrs[2].ALU.SrcB.Reg())
}

func TestIntroduceAccumRotateAvoidsR1(t *testing.T) {
	code, ok := qir.EncodeSmallLit(qir.IntImm(3))
	require.True(t, ok)

	instrs := qir.List{
		qir.LoadI(qir.Var(0), qir.IntImm(7)),
		qir.ALUOp(qir.OpRotate, qir.Var(1), qir.RegSrc(qir.Var(0)), qir.ImmSrc(code)),
		qir.Instr{Tag: qir.END},
	}

	l := compute(t, instrs)

	alloc := NewRegUsage(2)
	alloc.SetUsed(instrs)

	n := IntroduceAccum(context.Background(), qir.V3D, l, instrs, alloc)

	// the pair rewrite picks r2 near the rotate, and the dead rotate
	// result is also retargeted
	require.Equal(t, 2, n)
	assert.Equal(t, qir.ACC2, instrs[0].LI.Dest)
	assert.Equal(t, qir.ACC2, instrs[1].ALU.SrcA.Reg())
	assert.Equal(t, qir.ACC2, instrs[1].ALU.Dest)
}

func TestRegUsageCheck(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(qir.Var(0), qir.IntImm(1)),
		qir.ALUOp(qir.OpAdd, qir.Var(1), qir.RegSrc(qir.Var(0)), qir.RegSrc(qir.Var(2))),
		qir.Instr{Tag: qir.END},
	}

	ru := NewRegUsage(3)
	ru.SetUsed(instrs)

	// v2 used but never assigned: hard error; v1 assigned but never
	// used: warning only
	warnings, err := ru.Check(qir.V3D)
	assert.ErrorIs(t, err, qir.ErrInvariantViolation)
	assert.Len(t, warnings, 1)
}

func TestLiveSetsInterference(t *testing.T) {
	instrs := addProgram()

	l := compute(t, instrs)

	ls := NewLiveSets(3)
	ls.Init(instrs, l)

	// v0 and v1 are simultaneously live
	assert.True(t, ls[0].IsSet(1))
	assert.True(t, ls[1].IsSet(0))

	alloc := NewRegUsage(3)
	alloc[0].Reg = qir.Reg{Tag: qir.RegA, ID: 0}

	possible := ls.PossibleRegisters(1, alloc, qir.RegA, 32)
	assert.False(t, possible[0])
	assert.True(t, possible[1])

	assert.Equal(t, qir.RegID(1), ChooseRegister(possible))
}
