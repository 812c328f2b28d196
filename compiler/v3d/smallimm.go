package v3d

import (
	"fmt"
	"math"

	"tlog.app/go/errors"

	"github.com/slowlang/qpu/compiler/qir"
)

// The v3d small-immediate table, 6-bit codes:
//
//	 0..15  ints 0..15
//	16..31  ints -16..-1
//	32..39  floats 1.0, 2.0, ... 128.0
//	40..47  floats 1/256, 1/128, ... 1/2
//	48..55  floats -1.0 .. -128.0
//	56..63  floats -1/256 .. -1/2

// IntToCode encodes an integer as a small-immediate code.
func IntToCode(v int32) (uint8, bool) {
	switch {
	case v >= 0 && v <= 15:
		return uint8(v), true
	case v >= -16 && v < 0:
		return uint8(32 + v), true
	default:
		return 0, false
	}
}

// FloatToCode encodes a float as a small-immediate code.
func FloatToCode(f float32) (uint8, bool) {
	neg := false

	if f < 0 {
		neg = true
		f = -f
	}

	base := -1

	p := float32(1.0)
	for i := 0; i < 8; i++ {
		if f == p {
			base = 32 + i
			break
		}

		p *= 2
	}

	if base < 0 {
		p = 1.0 / 256
		for i := 0; i < 8; i++ {
			if f == p {
				base = 40 + i
				break
			}

			p *= 2
		}
	}

	if base < 0 {
		return 0, false
	}

	if neg {
		base += 16
	}

	return uint8(base), true
}

// SmallImmValue decodes a small-immediate code.
func SmallImmValue(code uint8) qir.Word {
	switch {
	case code <= 15:
		return qir.Word{Int: int32(code)}
	case code <= 31:
		return qir.Word{Int: int32(code) - 32}
	case code <= 39:
		return qir.Word{IsFloat: true, Float: float32(int32(1) << (code - 32))}
	case code <= 47:
		return qir.Word{IsFloat: true, Float: 1.0 / float32(int32(1)<<(48-code))}
	case code <= 55:
		return qir.Word{IsFloat: true, Float: -float32(int32(1) << (code - 48))}
	default:
		return qir.Word{IsFloat: true, Float: -1.0 / float32(int32(1)<<(64-code))}
	}
}

// encodeSmallImm translates a target-IR small literal to the v3d code.
func encodeSmallImm(src qir.SmallImm) (uint8, error) {
	w := qir.SmallLitValue(src.Val)

	if w.IsFloat {
		if c, ok := FloatToCode(w.Float); ok {
			return c, nil
		}

		return 0, errors.Wrap(qir.ErrImmediateEncoding, "float %g", w.Float)
	}

	c, ok := IntToCode(w.Int)
	if !ok {
		return 0, errors.Wrap(qir.ErrImmediateEncoding, "int %d", w.Int)
	}

	return c, nil
}

// convertIntPowers materialises a positive power-of-two multiple of a
// small immediate: mov r0, base; shl r0, r0, k. The shifted value is
// left in r0.
func convertIntPowers(out *[]Instr, value int32) bool {
	if value < 0 {
		return false
	}
	if value < 16 {
		return false
	}

	shift := int32(0)
	v := value

	for v != 0 && v&1 == 0 {
		shift++
		v >>= 1
	}

	if shift == 0 {
		return false
	}

	base, ok := IntToCode(v)
	if !ok {
		return false
	}

	shiftCode, ok := IntToCode(shift)
	if !ok {
		return false
	}

	var mov, shl Instr

	mov = Nop()
	mov.AddSet(aBOR, r0, ImmSrc(base), ImmSrc(base))
	mov = mov.Comment(fmt.Sprintf("load immediate %d", value))

	shl = Nop()
	shl.AddSet(aSHL, r0, LocSrc(r0), ImmSrc(shiftCode))

	*out = append(*out, mov, shl)

	return true
}

// encodeIntImmediate assembles an arbitrary 32-bit constant in r1 from
// its 4-bit nibbles, most significant first, using r0 as scratch.
func encodeIntImmediate(out *[]Instr, value int32) bool {
	v := uint32(value)

	var nibbles [8]uint32
	for i := range nibbles {
		nibbles[i] = v >> (4 * i) & 0xf
	}

	var ret []Instr

	didFirst := false

	for i := 7; i >= 0; i-- {
		if nibbles[i] == 0 {
			continue
		}

		imm, _ := IntToCode(int32(nibbles[i]))

		if !didFirst {
			mov := Nop()
			mov.AddSet(aBOR, r1, ImmSrc(imm), ImmSrc(imm))
			ret = append(ret, mov)

			if i > 0 {
				if convertIntPowers(&ret, int32(4*i)) {
					// r0 holds the shift amount
					shl := Nop()
					shl.AddSet(aSHL, r1, LocSrc(r1), LocSrc(r0))
					ret = append(ret, shl)
				} else {
					sc, _ := IntToCode(int32(4 * i))

					shl := Nop()
					shl.AddSet(aSHL, r1, LocSrc(r1), ImmSrc(sc))
					ret = append(ret, shl)
				}
			}

			didFirst = true
			continue
		}

		if i > 0 {
			if convertIntPowers(&ret, int32(4*i)) {
				shl := Nop()
				shl.AddSet(aSHL, r0, ImmSrc(imm), LocSrc(r0))
				ret = append(ret, shl)
			} else {
				mov := Nop()
				mov.AddSet(aBOR, r0, ImmSrc(imm), ImmSrc(imm))

				sc, _ := IntToCode(int32(4 * i))

				shl := Nop()
				shl.AddSet(aSHL, r0, LocSrc(r0), ImmSrc(sc))

				ret = append(ret, mov, shl)
			}

			or := Nop()
			or.AddSet(aBOR, r1, LocSrc(r1), LocSrc(r0))
			ret = append(ret, or)
		} else {
			or := Nop()
			or.AddSet(aBOR, r1, LocSrc(r1), ImmSrc(imm))
			ret = append(ret, or)
		}
	}

	if len(ret) == 0 {
		return false
	}

	ret[0] = ret[0].Comment(fmt.Sprintf("load immediate %d", value))
	ret[len(ret)-1] = ret[len(ret)-1].Comment(fmt.Sprintf("end load immediate %d", value))

	*out = append(*out, ret...)

	return true
}

// encodeInt materialises an int constant into dst: direct small
// immediate, power-of-two shift, or full nibble assembly.
func encodeInt(out *[]Instr, dst Loc, value int32) error {
	if code, ok := IntToCode(value); ok {
		mov := Nop()
		mov.AddSet(aBOR, dst, ImmSrc(code), ImmSrc(code))
		*out = append(*out, mov)

		return nil
	}

	if convertIntPowers(out, value) {
		mov := Nop()
		mov.AddSet(aBOR, dst, LocSrc(r0), LocSrc(r0))
		*out = append(*out, mov)

		return nil
	}

	if encodeIntImmediate(out, value) {
		mov := Nop()
		mov.AddSet(aBOR, dst, LocSrc(r1), LocSrc(r1))
		*out = append(*out, mov)

		return nil
	}

	return errors.Wrap(qir.ErrImmediateEncoding, "int %d", value)
}

// encodeFloat materialises a float constant into dst. Negative small
// immediates go through fmov plus a sign flip; whole-valued floats
// through int materialisation plus itof; everything else through the
// raw bit pattern.
func encodeFloat(out *[]Instr, dst Loc, value float32) error {
	if value < 0 {
		if code, ok := FloatToCode(-value); ok {
			fmov := Nop()
			fmov.MulSet(mFMOV, dst, ImmSrc(code), ImmSrc(code))

			zero, _ := IntToCode(0) // float zero is all-zero bits

			fsub := Nop()
			fsub.AddSet(aFSUB, dst, ImmSrc(zero), LocSrc(dst))

			*out = append(*out, fmov, fsub)

			return nil
		}
	}

	if code, ok := FloatToCode(value); ok {
		fmov := Nop()
		fmov.MulSet(mFMOV, dst, ImmSrc(code), ImmSrc(code))
		*out = append(*out, fmov)

		return nil
	}

	if value == float32(int32(value)) {
		err := encodeInt(out, dst, int32(value))
		if err != nil {
			return errors.Wrap(err, "whole-valued float")
		}

		zero, _ := IntToCode(0)

		itof := Nop()
		itof.AddSet(aITOF, dst, LocSrc(dst), ImmSrc(zero))
		*out = append(*out, itof)

		return nil
	}

	bits := int32(math.Float32bits(value))

	if encodeIntImmediate(out, bits) {
		mov := Nop()
		mov.AddSet(aBOR, dst, LocSrc(r1), LocSrc(r1))
		*out = append(*out, mov)

		return nil
	}

	return errors.Wrap(qir.ErrImmediateEncoding, "float %g", value)
}
