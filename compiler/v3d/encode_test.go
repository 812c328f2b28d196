package v3d

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/qpu/compiler/qir"
)

func rf0() qir.Reg { return qir.Reg{Tag: qir.RegA, ID: 0} }
func rf1() qir.Reg { return qir.Reg{Tag: qir.RegA, ID: 1} }

func encode(t *testing.T, instrs qir.List) ([]Instr, int) {
	t.Helper()

	words, combined, err := Encode(context.Background(), instrs)
	require.NoError(t, err)

	return words, combined
}

func body(words []Instr) []Instr {
	return words[:len(words)-EpilogueLen]
}

// simImm replays the materialisation sequence, tracking r0, r1 and
// the destination slot, to check the assembled constant.
func simImm(t *testing.T, words []Instr, dstRF uint8) int32 {
	t.Helper()

	var r [6]int32
	var rfv = map[uint8]int32{}

	read := func(in Instr, m Mux) int32 {
		switch {
		case m <= 5:
			return r[m]
		case m == 6:
			return rfv[in.RaddrA]
		case in.Sig&SigSmallImm != 0:
			w := SmallImmValue(in.RaddrB)
			require.False(t, w.IsFloat)
			return w.Int
		default:
			return rfv[in.RaddrB]
		}
	}

	write := func(in Instr, v int32) {
		if in.MagicA {
			require.LessOrEqual(t, in.WAddrA, uint8(5))
			r[in.WAddrA] = v
			return
		}

		rfv[in.WAddrA] = v
	}

	for _, in := range words {
		a := read(in, in.AddA)
		b := read(in, in.AddB)

		switch in.OpAdd {
		case aBOR:
			write(in, a|b)
		case aSHL:
			write(in, a<<uint(b&31))
		case aNOP:
		default:
			t.Fatalf("unexpected op %d in immediate sequence", in.OpAdd)
		}
	}

	return rfv[dstRF]
}

// A constant with no small-immediate form expands to the
// nibble-and-shift scheme assembling it in r1.
func TestLargeImmediate(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(rf0(), qir.IntImm(0x12345678)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.GreaterOrEqual(t, len(b), 3)

	// final move comes out of r1
	last := b[len(b)-1]
	assert.Equal(t, uint8(aBOR), last.OpAdd)
	assert.False(t, last.MagicA)
	assert.Equal(t, uint8(0), last.WAddrA)
	assert.Equal(t, Mux(1), last.AddA)

	assert.Equal(t, int32(0x12345678), simImm(t, b, 0))
}

func TestSmallImmediateDirect(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(rf0(), qir.IntImm(7)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 1)
	assert.NotZero(t, b[0].Sig&SigSmallImm)
}

func TestPowerOfTwoImmediate(t *testing.T) {
	// 1024 = 1 << 10
	instrs := qir.List{
		qir.LoadI(rf0(), qir.IntImm(1024)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 3) // mov r0; shl r0; mov dst
	assert.Equal(t, int32(1024), simImm(t, b, 0))
}

func TestNegativeFloatImmediate(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(rf0(), qir.FloatImm(-2.0)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 2)
	assert.Equal(t, uint8(mFMOV), b[0].OpMul)
	assert.Equal(t, uint8(aFSUB), b[1].OpAdd)
}

// Rotate goes through r0 with a mandatory gap, lands in r1, and moves
// to the destination.
func TestRotateLowering(t *testing.T) {
	code, ok := qir.EncodeSmallLit(qir.IntImm(3))
	require.True(t, ok)

	instrs := qir.List{
		qir.ALUOp(qir.OpRotate, rf1(), qir.RegSrc(rf0()), qir.ImmSrc(code)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 4)

	// mov r0, rf0
	assert.Equal(t, uint8(aBOR), b[0].OpAdd)
	assert.True(t, b[0].MagicA)
	assert.Equal(t, uint8(0), b[0].WAddrA)

	// nop
	assert.Equal(t, uint8(aNOP), b[1].OpAdd)
	assert.Equal(t, uint8(mNOP), b[1].OpMul)

	// rotate r1, r0, 3
	assert.Equal(t, uint8(mROTATE), b[2].OpMul)
	assert.NotZero(t, b[2].Sig&SigRotate)
	assert.True(t, b[2].MagicM)
	assert.Equal(t, uint8(1), b[2].WAddrM)

	// mov rf1, r1
	assert.Equal(t, uint8(aBOR), b[3].OpAdd)
	assert.Equal(t, Mux(1), b[3].AddA)
}

// ADD and FMUL with at most two distinct register-file sources share
// one dual-issue word.
func TestCombineAddFMul(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpAdd, qir.Reg{Tag: qir.RegA, ID: 3},
			qir.RegSrc(qir.ACC0), qir.RegSrc(qir.ACC1)),
		qir.ALUOp(qir.OpFMul, qir.Reg{Tag: qir.RegA, ID: 4},
			qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 1}), qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 2})),
		qir.Instr{Tag: qir.END},
	}

	words, combined := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 1)
	assert.Equal(t, 1, combined)

	w := b[0]
	assert.Equal(t, uint8(aADD), w.OpAdd)
	assert.Equal(t, uint8(mFMUL), w.OpMul)
	assert.Equal(t, uint8(3), w.WAddrA)
	assert.Equal(t, uint8(4), w.WAddrM)
}

// Three distinct register-file sources exceed the two read ports.
func TestCombineTooManySources(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpAdd, qir.Reg{Tag: qir.RegA, ID: 10},
			qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 0}), qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 1})),
		qir.ALUOp(qir.OpFMul, qir.Reg{Tag: qir.RegA, ID: 11},
			qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 2}), qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 0})),
		qir.Instr{Tag: qir.END},
	}

	words, combined := encode(t, instrs)

	assert.Equal(t, 0, combined)
	assert.Len(t, body(words), 2)
}

// The ADD result is not forwarded into the MUL half of the same word.
func TestCombineDestRead(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpAdd, qir.Reg{Tag: qir.RegA, ID: 1},
			qir.RegSrc(qir.ACC0), qir.RegSrc(qir.ACC0)),
		qir.ALUOp(qir.OpFMul, qir.Reg{Tag: qir.RegA, ID: 2},
			qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 1}), qir.RegSrc(qir.ACC0)),
		qir.Instr{Tag: qir.END},
	}

	_, combined := encode(t, instrs)
	assert.Equal(t, 0, combined)
}

// QPU and element numbers become tidx and eidx instructions.
func TestSpecialIndex(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpBOr, rf0(), qir.RegSrc(qir.QPUNum), qir.RegSrc(qir.QPUNum)),
		qir.ALUOp(qir.OpBOr, rf1(), qir.RegSrc(qir.ElemNum), qir.RegSrc(qir.ElemNum)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 2)
	assert.Equal(t, uint8(aTIDX), b[0].OpAdd)
	assert.Equal(t, uint8(aEIDX), b[1].OpAdd)
}

func TestSpecialIndexMisuse(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpAdd, rf0(), qir.RegSrc(qir.QPUNum), qir.RegSrc(qir.ACC0)),
		qir.Instr{Tag: qir.END},
	}

	_, _, err := Encode(context.Background(), instrs)
	assert.ErrorIs(t, err, qir.ErrInvariantViolation)
}

// DMA waits have no v3d equivalent.
func TestDMAUnsupported(t *testing.T) {
	instrs := qir.List{
		qir.Instr{Tag: qir.DMALoadWait},
		qir.Instr{Tag: qir.END},
	}

	_, _, err := Encode(context.Background(), instrs)
	assert.ErrorIs(t, err, qir.ErrUnsupportedInstruction)
}

func TestUniformLoad(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpBOr, rf0(), qir.RegSrc(qir.Uniform), qir.RegSrc(qir.Uniform)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 1)
	assert.NotZero(t, b[0].Sig&SigLdUnifRF)
	assert.Equal(t, uint8(0), b[0].WAddrA)
}

// Encoded words survive a decode and re-encode bitwise.
func TestRoundTrip(t *testing.T) {
	code3, _ := qir.EncodeSmallLit(qir.IntImm(3))

	instrs := qir.List{
		qir.ALUOp(qir.OpBOr, rf0(), qir.RegSrc(qir.Uniform), qir.RegSrc(qir.Uniform)),
		qir.LoadI(rf1(), qir.IntImm(0x12345678)),
		qir.ALUOp(qir.OpAdd, qir.Reg{Tag: qir.RegA, ID: 2},
			qir.RegSrc(rf0()), qir.RegSrc(rf1())),
		qir.ALUOp(qir.OpRotate, qir.Reg{Tag: qir.RegA, ID: 3},
			qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 2}), qir.ImmSrc(code3)),
		qir.ALUOp(qir.OpShl, qir.Reg{Tag: qir.RegA, ID: 4},
			qir.RegSrc(qir.Reg{Tag: qir.RegA, ID: 2}), qir.ImmSrc(code3)),
		qir.Instr{Tag: qir.TMUWT},
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)

	for i, w := range ByteCode(words) {
		back := Decode(w).Code()
		assert.Equal(t, w, back, "word %d: %016x != %016x", i, w, back)
	}
}

func TestBranchRoundTrip(t *testing.T) {
	for _, off := range []int{0, 1, -1, 100, -4096, 1<<20 - 7} {
		in := Instr{Branch: true, BranchCond: bAllNA, Offset: off}

		got := Decode(in.Code())

		assert.True(t, got.Branch)
		assert.Equal(t, off, got.Offset, "offset %d", off)
		assert.Equal(t, uint8(bAllNA), got.BranchCond)
	}
}

// A backward branch resolves to a negative PC delta; a missing label
// fails with no opcode output.
func TestResolveLabels(t *testing.T) {
	l0 := qir.Label(0)

	instrs := qir.List{
		qir.LabelInstr(l0),
		qir.Instr{Tag: qir.NOP},
		qir.Branch(qir.BranchCond{Tag: qir.BCondAll, Flag: qir.ZC}, l0),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)

	resolved, err := ResolveLabels(context.Background(), words)
	require.NoError(t, err)

	// label dropped
	assert.Len(t, resolved, len(words)-1)

	br := resolved[1]
	require.True(t, br.Branch)
	assert.False(t, br.HasLabel)
	assert.Equal(t, -5, br.Offset) // 0 - (1 + 4)
	assert.Equal(t, uint8(bAllNA), br.BranchCond)
}

func TestUnresolvedLabel(t *testing.T) {
	instrs := qir.List{
		qir.Jump(qir.Label(9)),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)

	out, err := ResolveLabels(context.Background(), words)
	assert.ErrorIs(t, err, qir.ErrUnresolvedLabel)
	assert.Nil(t, out)
}

func TestBranchCondMapping(t *testing.T) {
	cases := []struct {
		cond qir.BranchCond
		want uint8
	}{
		{qir.BranchCond{Tag: qir.BCondAlways}, bAlways},
		{qir.BranchCond{Tag: qir.BCondAll, Flag: qir.ZS}, bAllA},
		{qir.BranchCond{Tag: qir.BCondAll, Flag: qir.ZC}, bAllNA},
		{qir.BranchCond{Tag: qir.BCondAll, Flag: qir.NS}, bAllA},
		{qir.BranchCond{Tag: qir.BCondAll, Flag: qir.NC}, bAllNA},
		{qir.BranchCond{Tag: qir.BCondAny, Flag: qir.ZS}, bAnyA},
		{qir.BranchCond{Tag: qir.BCondAny, Flag: qir.NC}, bAnyNA},
	}

	for _, c := range cases {
		got, err := encodeBranchCond(c.cond)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%v", c.cond)
	}
}

func TestWhereCondition(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpBOr, rf0(), qir.RegSrc(qir.ACC0), qir.RegSrc(qir.ACC0)).
			Cond(qir.AssignCond{Tag: qir.CondFlag, Flag: qir.ZS}),
		qir.ALUOp(qir.OpBOr, rf1(), qir.RegSrc(qir.ACC0), qir.RegSrc(qir.ACC0)).
			Cond(qir.AssignCond{Tag: qir.CondFlag, Flag: qir.ZC}),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 2)
	assert.Equal(t, uint8(1), b[0].Cond.AddCond) // ifa
	assert.Equal(t, uint8(2), b[1].Cond.AddCond) // ifna
}

func TestPushFlags(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpSub, qir.NoneR, qir.RegSrc(qir.ACC0), qir.RegSrc(qir.ACC1)).
			SetCondFlag(qir.SetCond{Tag: qir.SetZ}),
		qir.Instr{Tag: qir.END},
	}

	words, _ := encode(t, instrs)
	b := body(words)

	require.Len(t, b, 1)
	assert.Equal(t, uint8(1), b[0].Cond.Push)
}
