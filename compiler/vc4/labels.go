package vc4

import (
	"context"
	"encoding/binary"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/qir"
)

// branchRange bounds the signed PC delta of a branch, in instruction
// words.
const branchRange = 1 << 25

// ResolveLabels patches every labelled branch with its byte offset
// relative to PC+4 (the pipeline has read four words ahead by the
// time the branch retires) and drops the label meta-instructions.
func ResolveLabels(ctx context.Context, instrs []Instr) (out []Instr, err error) {
	tr := tlog.SpanFromContext(ctx)

	l2i := map[qir.Label]int{}
	pos := 0

	for _, in := range instrs {
		if in.IsLabel {
			l2i[in.Label] = pos
			continue
		}

		pos++
	}

	pos = 0

	for _, in := range instrs {
		if in.IsLabel {
			continue
		}

		if in.Branch && in.HasLabel {
			t, ok := l2i[in.Label]
			if !ok {
				return nil, errors.Wrap(qir.ErrUnresolvedLabel, "L%d", in.Label)
			}

			off := t - (pos + 4)

			if off < -branchRange || off >= branchRange {
				return nil, errors.Wrap(qir.ErrInvariantViolation,
					"branch offset %d out of range", off)
			}

			in.w.imm = uint32(int32(off) * 8) // bytes
			in.HasLabel = false

			tr.V("labels").Printw("label resolved", "label", in.Label, "at", pos, "offset", off)
		}

		out = append(out, in)
		pos++
	}

	return out, nil
}

// ByteCode packs the resolved instructions into opcodes.
func ByteCode(instrs []Instr) []uint64 {
	code := make([]uint64, len(instrs))

	for i, in := range instrs {
		code[i] = in.Code()
	}

	return code
}

// Bytes serialises opcodes as the little-endian stream the driver
// uploads.
func Bytes(code []uint64) []byte {
	b := make([]byte, 8*len(code))

	for i, w := range code {
		binary.LittleEndian.PutUint64(b[8*i:], w)
	}

	return b
}
