package qir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUseDefRegs(t *testing.T) {
	in := ALUOp(OpAdd, Var(2), RegSrc(Var(0)), RegSrc(Var(1)))

	ud := UseDefVars(in, false)

	assert.Equal(t, []RegID{0, 1}, ud.Use)
	assert.Equal(t, []RegID{2}, ud.Def)
}

func TestUseDefWhereCountsAsUse(t *testing.T) {
	in := ALUOp(OpBOr, Var(3), RegSrc(Var(1)), RegSrc(Var(1)))
	in = in.Cond(AssignCond{Tag: CondFlag, Flag: ZS})

	plain := UseDefVars(in, false)
	assert.Equal(t, []RegID{1}, plain.Use)

	where := UseDefVars(in, true)
	assert.ElementsMatch(t, []RegID{1, 3}, where.Use)
	assert.Equal(t, []RegID{3}, where.Def)
}

func TestUseDefIgnoresNonVariables(t *testing.T) {
	in := ALUOp(OpBOr, Var(0), RegSrc(Uniform), RegSrc(Uniform))

	ud := UseDefVars(in, false)

	assert.Empty(t, ud.Use)
	assert.Equal(t, []RegID{0}, ud.Def)

	regs := UseDefRegs(in, false)
	assert.Equal(t, []Reg{Uniform}, regs.Use)
}

func TestRenameTwoPhase(t *testing.T) {
	// renaming var 1 to register 1 must not capture variable 1 again
	in := ALUOp(OpAdd, Var(0), RegSrc(Var(1)), RegSrc(Var(0)))

	RenameUses(&in, Var(1), Reg{Tag: TmpA, ID: 1})
	RenameUses(&in, Var(0), Reg{Tag: TmpB, ID: 1})
	RenameDest(&in, Var(0), Reg{Tag: TmpA, ID: 0})

	SubstRegTag(&in, TmpA, RegA)
	SubstRegTag(&in, TmpB, RegB)

	assert.Equal(t, Reg{Tag: RegA, ID: 0}, in.ALU.Dest)
	assert.Equal(t, Reg{Tag: RegA, ID: 1}, in.ALU.SrcA.Reg())
	assert.Equal(t, Reg{Tag: RegB, ID: 1}, in.ALU.SrcB.Reg())
}

func TestCheckTag(t *testing.T) {
	assert.NoError(t, CheckTag(DMALoadWait, VC4))
	assert.ErrorIs(t, CheckTag(DMALoadWait, V3D), ErrUnsupportedInstruction)
	assert.ErrorIs(t, CheckTag(SInc, V3D), ErrUnsupportedInstruction)
	assert.ErrorIs(t, CheckTag(TMUWT, VC4), ErrUnsupportedInstruction)
	assert.NoError(t, CheckTag(TMUWT, V3D))
}

func TestBuildCFG(t *testing.T) {
	l0 := Label(0)

	instrs := List{
		LabelInstr(l0),                              // 0
		LoadI(Var(0), IntImm(1)),                    // 1
		Branch(BranchCond{Tag: BCondAny, Flag: ZS}, l0), // 2
		Instr{Tag: END},                             // 3
	}

	cfg, err := BuildCFG(instrs)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, cfg[0])
	assert.Equal(t, []int{2}, cfg[1])
	assert.Equal(t, []int{3, 0}, cfg[2])
	assert.Empty(t, cfg[3])
}

func TestBuildCFGUnknownLabel(t *testing.T) {
	instrs := List{
		Jump(Label(9)),
		Instr{Tag: END},
	}

	_, err := BuildCFG(instrs)
	assert.ErrorIs(t, err, ErrUnresolvedLabel)
}

func TestSmallLitRoundTrip(t *testing.T) {
	for code := 0; code < NumSmallLits; code++ {
		w := SmallLitValue(code)

		var imm Imm
		if w.IsFloat {
			imm = FloatImm(w.Float)
		} else {
			imm = IntImm(w.Int)
		}

		got, ok := EncodeSmallLit(imm)
		require.True(t, ok, "code %d value %+v", code, w)
		assert.Equal(t, code, got, "value %+v", w)
	}

	_, ok := EncodeSmallLit(IntImm(100))
	assert.False(t, ok)

	_, ok = EncodeSmallLit(FloatImm(3.5))
	assert.False(t, ok)
}

func TestCondNegate(t *testing.T) {
	c := AssignCond{Tag: CondFlag, Flag: NS}
	assert.Equal(t, NC, c.Negate().Flag)

	b := BranchCond{Tag: BCondAll, Flag: ZS}
	n := b.Negate()
	assert.Equal(t, BCondAny, n.Tag)
	assert.Equal(t, ZC, n.Flag)
}

func TestListInsert(t *testing.T) {
	l := List{Nop(), Instr{Tag: END}}

	l.Insert(1, LoadI(Var(0), IntImm(1)))

	require.Len(t, l, 3)
	assert.Equal(t, LI, l[1].Tag)
	assert.Equal(t, END, l[2].Tag)
}
