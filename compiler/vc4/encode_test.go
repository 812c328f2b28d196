package vc4

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/qpu/compiler/qir"
)

func ra(i qir.RegID) qir.Reg { return qir.Reg{Tag: qir.RegA, ID: i} }
func rb(i qir.RegID) qir.Reg { return qir.Reg{Tag: qir.RegB, ID: i} }

func encodeList(t *testing.T, instrs qir.List) []Instr {
	t.Helper()

	words, err := Encode(context.Background(), instrs)
	require.NoError(t, err)

	return words
}

// LI carries the full 32-bit constant in one word, so the add program
// is three words plus the end sequence.
func TestEncodeAddProgram(t *testing.T) {
	instrs := qir.List{
		qir.LoadI(ra(0), qir.IntImm(100)),
		qir.LoadI(rb(0), qir.IntImm(200)),
		qir.ALUOp(qir.OpAdd, ra(1), qir.RegSrc(ra(0)), qir.RegSrc(rb(0))),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	// end emits the end-signal word plus two drain nops
	require.Len(t, words, 6)

	li := Decode(words[0].Code())
	assert.True(t, li.w.li)
	assert.Equal(t, uint32(100), li.w.imm)
	assert.Equal(t, uint8(0), li.w.waddrAdd)
	assert.False(t, li.w.ws)

	li = Decode(words[1].Code())
	assert.True(t, li.w.ws) // file B write

	add := Decode(words[2].Code())
	assert.Equal(t, uint8(opAdd), add.w.opAdd)
	assert.Equal(t, uint8(0), add.w.raddrA)
	assert.Equal(t, uint8(0), add.w.raddrB)
	assert.Equal(t, uint8(6), add.w.addA)
	assert.Equal(t, uint8(7), add.w.addB)

	end := Decode(words[3].Code())
	assert.Equal(t, uint8(sigEnd), end.w.sig)
}

// A branch occupies its word plus three delay-slot nops.
func TestBranchDelaySlots(t *testing.T) {
	l0 := qir.Label(0)

	instrs := qir.List{
		qir.LabelInstr(l0),
		qir.Instr{Tag: qir.NOP},
		qir.Jump(l0),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	// label + nop + branch + 3 delay nops + end(3)
	require.Len(t, words, 9)
	assert.True(t, words[0].IsLabel)
	assert.True(t, words[2].Branch)
}

// A backward branch resolves to a negative byte offset within range.
func TestBackwardBranch(t *testing.T) {
	l0 := qir.Label(0)

	instrs := qir.List{
		qir.LabelInstr(l0),
		qir.Instr{Tag: qir.NOP},
		qir.Branch(qir.BranchCond{Tag: qir.BCondAny, Flag: qir.ZC}, l0),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	resolved, err := ResolveLabels(context.Background(), words)
	require.NoError(t, err)
	require.Len(t, resolved, len(words)-1)

	br := resolved[1]
	require.True(t, br.Branch)

	// branch at 1, target 0: PC delta -5 words = -40 bytes
	assert.Equal(t, int32(-40), int32(br.w.imm))
	assert.Equal(t, uint8(brAnyZC), br.w.condBr)
}

func TestUnresolvedLabel(t *testing.T) {
	instrs := qir.List{
		qir.Jump(qir.Label(7)),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	out, err := ResolveLabels(context.Background(), words)
	assert.ErrorIs(t, err, qir.ErrUnresolvedLabel)
	assert.Nil(t, out)
}

// TMUWT is a v3d instruction and must be rejected here.
func TestTMUWTUnsupported(t *testing.T) {
	instrs := qir.List{
		qir.Instr{Tag: qir.TMUWT},
		qir.Instr{Tag: qir.END},
	}

	_, err := Encode(context.Background(), instrs)
	assert.ErrorIs(t, err, qir.ErrUnsupportedInstruction)
}

func TestSemaphore(t *testing.T) {
	instrs := qir.List{
		qir.SemaInc(3),
		qir.SemaDec(3),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)
	require.Len(t, words, 5)

	inc := Decode(words[0].Code())
	assert.True(t, inc.w.li)
	assert.Equal(t, uint8(4), inc.w.liMode)
	assert.Equal(t, uint32(3), inc.w.imm)

	dec := Decode(words[1].Code())
	assert.Equal(t, uint32(0x13), dec.w.imm)
}

// The DMA waits read the status registers: load wait through file A,
// store wait through file B.
func TestDMAWaits(t *testing.T) {
	instrs := qir.List{
		qir.Instr{Tag: qir.DMALoadWait},
		qir.Instr{Tag: qir.DMAStoreWait},
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	ld := words[0].w
	assert.Equal(t, uint8(raddrDMAWait), ld.raddrA)
	assert.Equal(t, uint8(6), ld.addA)

	st := words[1].w
	assert.Equal(t, uint8(raddrDMAWait), st.raddrB)
	assert.Equal(t, uint8(7), st.addA)
}

func TestUniformAndSpecialReads(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpBOr, ra(0), qir.RegSrc(qir.Uniform), qir.RegSrc(qir.Uniform)),
		qir.ALUOp(qir.OpBOr, ra(1), qir.RegSrc(qir.ElemNum), qir.RegSrc(qir.ElemNum)),
		qir.ALUOp(qir.OpBOr, ra(2), qir.RegSrc(qir.QPUNum), qir.RegSrc(qir.QPUNum)),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	assert.Equal(t, uint8(raddrUniform), words[0].w.raddrA)
	assert.Equal(t, uint8(raddrElemQPU), words[1].w.raddrA)
	assert.Equal(t, uint8(raddrElemQPU), words[2].w.raddrB)
	assert.Equal(t, uint8(7), words[2].w.addA)
}

// SFU calls arrive as a write to the function register, two waits and
// a read of r4; the encoder sees only moves.
func TestSFUSequence(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpBOr, qir.SFURecip, qir.RegSrc(ra(0)), qir.RegSrc(ra(0))),
		qir.Instr{Tag: qir.NOP},
		qir.Instr{Tag: qir.NOP},
		qir.Mov(ra(1), qir.ACC4),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	assert.Equal(t, uint8(waddrRecip), words[0].w.waddrAdd)

	mov := words[3].w
	assert.Equal(t, uint8(4), mov.addA)
	assert.Equal(t, uint8(1), mov.waddrAdd)
}

func TestMulALUWrite(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpFMul, ra(2), qir.RegSrc(ra(0)), qir.RegSrc(rb(1))),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	w := words[0].w
	assert.Equal(t, uint8(opMFMul), w.opMul)
	assert.Equal(t, uint8(2), w.waddrMul)
	assert.Equal(t, uint8(waddrNop), w.waddrAdd)
	assert.Equal(t, uint8(condNever), w.condAdd)
}

func TestRoundTrip(t *testing.T) {
	code5, _ := qir.EncodeSmallLit(qir.IntImm(5))

	instrs := qir.List{
		qir.LoadI(ra(0), qir.IntImm(0x1234abcd)),
		qir.ALUOp(qir.OpAdd, ra(1), qir.RegSrc(ra(0)), qir.ImmSrc(code5)),
		qir.ALUOp(qir.OpFMul, rb(2), qir.RegSrc(ra(1)), qir.RegSrc(qir.ACC0)),
		qir.SemaInc(1),
		qir.Instr{Tag: qir.DMALoadWait},
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)

	for i, w := range ByteCode(words) {
		back := Decode(w).Code()
		assert.Equal(t, w, back, "word %d: %016x != %016x", i, w, back)
	}
}

func TestConditionalAssign(t *testing.T) {
	instrs := qir.List{
		qir.ALUOp(qir.OpBOr, ra(0), qir.RegSrc(qir.ACC0), qir.RegSrc(qir.ACC0)).
			Cond(qir.AssignCond{Tag: qir.CondFlag, Flag: qir.NS}),
		qir.Instr{Tag: qir.END},
	}

	words := encodeList(t, instrs)
	assert.Equal(t, uint8(condNS), words[0].w.condAdd)
}
