// Package v3d lowers target IR to v3d 64-bit dual-issue opcodes.
//
// The word layout is the hardware contract consumed by the driver:
//
//	ALU    [63:58] op_mul  [57:53] sig  [52:46] cond
//	       [45] magic_m  [44] magic_a  [43:38] waddr_m  [37:32] waddr_a
//	       [31:24] op_add  [23:21] mul_b  [20:18] mul_a
//	       [17:15] add_b  [14:12] add_a  [11:6] raddr_a  [5:0] raddr_b
//	branch [63:56] 0xf0  [55:35] addr_low  [34:32] cond  [31:24] addr_high
//
// Sources read through a mux: 0..5 are accumulators r0..r5, 6 reads
// the register file through raddr_a, 7 through raddr_b. With the
// small-immediate signal raddr_b holds the 6-bit immediate code
// instead. Signal loads (ldunifrf, ldtmu) take their destination from
// the add-ALU write address.
package v3d

import (
	"fmt"
	"strings"

	"github.com/slowlang/qpu/compiler/qir"
)

type (
	// Sig is the signal bit set of one instruction. Only the combos
	// in sigCodes can be encoded.
	Sig uint8

	// Mux selects one read port of an ALU.
	Mux uint8

	// Loc is a write/read location: an accumulator or a register-file
	// slot.
	Loc struct {
		Acc bool
		Idx uint8
	}

	// Src is a read operand: a location or a small immediate code.
	Src struct {
		Imm  bool
		Loc  Loc
		Code uint8
	}

	// Cond packs the assign conditions and the push directive of the
	// two ALUs.
	Cond struct {
		Push    uint8 // 0 none, 1 Z, 2 N, 3 C
		AddCond uint8 // 0 none, 1 ifa, 2 ifna
		MulCond uint8
	}

	// Instr is one encoded v3d instruction, or a label
	// meta-instruction awaiting removal.
	Instr struct {
		// label support
		IsLabel bool
		Label   qir.Label

		Branch     bool
		BranchCond uint8
		Offset     int  // PC delta in instruction words
		HasLabel   bool // branch still to be resolved

		Sig Sig

		Cond Cond

		MagicA, MagicM bool
		WAddrA, WAddrM uint8

		OpAdd uint8
		OpMul uint8

		AddA, AddB, MulA, MulB Mux

		RaddrA, RaddrB uint8
		usedA, usedB   bool

		header  string
		comment string
	}
)

const (
	SigThrSw Sig = 1 << iota
	SigLdUnif
	SigLdTMU
	SigSmallImm
	SigLdUnifRF
	SigRotate
)

// sigCodes maps encodable signal combinations to the 5-bit field.
var sigCodes = map[Sig]uint8{
	0:                      0,
	SigThrSw:               1,
	SigLdUnif:              2,
	SigLdTMU:               4,
	SigRotate:              13,
	SigSmallImm | SigRotate: 14,
	SigSmallImm:            15,
	SigLdUnifRF:            16,
}

// Magic write addresses.
const (
	waddrR0   = 0 // r0..r5 at 0..5
	waddrNop  = 6
	waddrTMUD = 11
	waddrTMUA = 12
	waddrSync = 16
	waddrRecip = 19
	waddrRSqrt = 20
	waddrExp   = 21
	waddrLog   = 22
)

// Add-ALU op codes.
const (
	aFADD  = 0
	aFSUB  = 4
	aADD   = 56
	aSUB   = 60
	aMIN   = 120
	aMAX   = 121
	aFMIN  = 128
	aFMAX  = 129
	aBAND  = 181
	aBOR   = 182
	aBXOR  = 183
	aBNOT  = 186
	aNOP   = 187
	aTMUWT = 188
	aSHR   = 192
	aASR   = 193
	aSHL   = 195
	aTIDX  = 204
	aEIDX  = 205
	aFTOI  = 250
	aITOF  = 252
)

// Mul-ALU op codes.
const (
	mNOP    = 0
	mADD    = 1
	mSUB    = 2
	mSMUL24 = 9
	mFMOV   = 14
	mMOV    = 15
	mFMUL   = 16
	mROTATE = 17
	mBAND   = 20
	mBOR    = 21
	mBXOR   = 22
	mMIN    = 23
	mMAX    = 24
)

// Branch condition codes.
const (
	bAlways = 0
	bAllA   = 1
	bAllNA  = 2
	bAnyA   = 3
	bAnyNA  = 4
)

func R(i uint8) Loc  { return Loc{Acc: true, Idx: i} }
func RF(i uint8) Loc { return Loc{Idx: i} }

var (
	r0 = R(0)
	r1 = R(1)
	r2 = R(2)
	r4 = R(4)
)

func LocSrc(l Loc) Src    { return Src{Loc: l} }
func ImmSrc(code uint8) Src { return Src{Imm: true, Code: code} }

func (l Loc) String() string {
	if l.Acc {
		return fmt.Sprintf("r%d", l.Idx)
	}

	return fmt.Sprintf("rf%d", l.Idx)
}

// Nop is the canonical no-op word.
func Nop() Instr {
	return Instr{
		OpAdd:  aNOP,
		OpMul:  mNOP,
		MagicA: true,
		MagicM: true,
		WAddrA: waddrNop,
		WAddrM: waddrNop,
	}
}

func (i Instr) Header(msg string) Instr {
	i.header = msg
	return i
}

func (i Instr) Comment(msg string) Instr {
	if i.comment != "" {
		i.comment += "; "
	}

	i.comment += msg

	return i
}

func (i Instr) GetHeader() string  { return i.header }
func (i Instr) GetComment() string { return i.comment }

func (i *Instr) SetHeader(msg string) { i.header = msg }

// addSetDst routes a write location into the add-ALU write address.
func (i *Instr) addSetDst(dst Loc) {
	if dst.Acc {
		i.MagicA = true
		i.WAddrA = dst.Idx
		return
	}

	i.MagicA = false
	i.WAddrA = dst.Idx
}

func (i *Instr) mulSetDst(dst Loc) {
	if dst.Acc {
		i.MagicM = true
		i.WAddrM = dst.Idx
		return
	}

	i.MagicM = false
	i.WAddrM = dst.Idx
}

// setSrc claims a read port for the operand. Two register-file reads
// share raddr_a/raddr_b; a small immediate claims raddr_b together
// with the smimm signal. Reports false when no port is left.
func (i *Instr) setSrc(s Src, mux *Mux) bool {
	if s.Imm {
		if i.Sig&SigSmallImm != 0 && i.usedB && i.RaddrB != s.Code {
			return false
		}
		if i.usedB && i.Sig&SigSmallImm == 0 {
			return false
		}

		i.Sig |= SigSmallImm
		i.RaddrB = s.Code
		i.usedB = true
		*mux = 7

		return true
	}

	if s.Loc.Acc {
		*mux = Mux(s.Loc.Idx)
		return true
	}

	if i.usedA && i.RaddrA == s.Loc.Idx {
		*mux = 6
		return true
	}

	if !i.usedA {
		i.usedA = true
		i.RaddrA = s.Loc.Idx
		*mux = 6

		return true
	}

	if i.Sig&SigSmallImm != 0 {
		return false
	}

	if i.usedB && i.RaddrB == s.Loc.Idx {
		*mux = 7
		return true
	}

	if !i.usedB {
		i.usedB = true
		i.RaddrB = s.Loc.Idx
		*mux = 7

		return true
	}

	return false
}

// AddSet fills the add-ALU half of the word.
func (i *Instr) AddSet(op uint8, dst Loc, a, b Src) bool {
	i.OpAdd = op
	i.addSetDst(dst)

	return i.setSrc(a, &i.AddA) && i.setSrc(b, &i.AddB)
}

// MulSet fills the mul-ALU half; used by rotate lowering and float
// immediates. The dual-issue combiner goes through mulSetReg.
func (i *Instr) MulSet(op uint8, dst Loc, a, b Src) bool {
	i.OpMul = op
	i.mulSetDst(dst)

	return i.setSrc(a, &i.MulA) && i.setSrc(b, &i.MulB)
}

// ==================================================
// Packing
// ==================================================

func (i Instr) Code() uint64 {
	if i.Branch {
		off := uint64(uint32(i.Offset)) & ((1 << 29) - 1)

		w := uint64(0xf0) << 56
		w |= (off & ((1 << 21) - 1)) << 35
		w |= uint64(i.BranchCond&7) << 32
		w |= (off >> 21 & 0xff) << 24

		return w
	}

	sig := sigCodes[i.Sig]

	w := uint64(i.OpMul&0x3f) << 58
	w |= uint64(sig&0x1f) << 53
	w |= uint64(i.condCode()&0x7f) << 46

	if i.MagicM {
		w |= 1 << 45
	}
	if i.MagicA {
		w |= 1 << 44
	}

	w |= uint64(i.WAddrM&0x3f) << 38
	w |= uint64(i.WAddrA&0x3f) << 32
	w |= uint64(i.OpAdd) << 24
	w |= uint64(i.MulB&7) << 21
	w |= uint64(i.MulA&7) << 18
	w |= uint64(i.AddB&7) << 15
	w |= uint64(i.AddA&7) << 12
	w |= uint64(i.RaddrA&0x3f) << 6
	w |= uint64(i.RaddrB & 0x3f)

	return w
}

func (i Instr) condCode() uint8 {
	return i.Cond.Push<<4 | i.Cond.AddCond<<2 | i.Cond.MulCond
}

// Decode unpacks a word. Inverse of Code for every word the encoder
// emits; the round-trip tests rely on that.
func Decode(w uint64) Instr {
	if w>>56 == 0xf0 {
		off := (w >> 35 & ((1 << 21) - 1)) | (w >> 24 & 0xff << 21)

		// sign-extend 29 bits
		if off&(1<<28) != 0 {
			mask := ^uint64(0)
			off |= mask << 29
		}

		return Instr{
			Branch:     true,
			BranchCond: uint8(w >> 32 & 7),
			Offset:     int(int64(off)),
		}
	}

	var i Instr

	i.OpMul = uint8(w >> 58 & 0x3f)

	sig := uint8(w >> 53 & 0x1f)
	for k, v := range sigCodes {
		if v == sig {
			i.Sig = k
			break
		}
	}

	cond := uint8(w >> 46 & 0x7f)
	i.Cond.Push = cond >> 4 & 7
	i.Cond.AddCond = cond >> 2 & 3
	i.Cond.MulCond = cond & 3

	i.MagicM = w>>45&1 != 0
	i.MagicA = w>>44&1 != 0
	i.WAddrM = uint8(w >> 38 & 0x3f)
	i.WAddrA = uint8(w >> 32 & 0x3f)
	i.OpAdd = uint8(w >> 24 & 0xff)
	i.MulB = Mux(w >> 21 & 7)
	i.MulA = Mux(w >> 18 & 7)
	i.AddB = Mux(w >> 15 & 7)
	i.AddA = Mux(w >> 12 & 7)
	i.RaddrA = uint8(w >> 6 & 0x3f)
	i.RaddrB = uint8(w & 0x3f)

	i.usedA = i.AddA == 6 || i.AddB == 6 || i.MulA == 6 || i.MulB == 6
	i.usedB = i.AddA == 7 || i.AddB == 7 || i.MulA == 7 || i.MulB == 7

	return i
}

// ==================================================
// Mnemonics
// ==================================================

func (i Instr) Mnemonic() string {
	if i.IsLabel {
		return fmt.Sprintf("L%d:", i.Label)
	}

	if i.Branch {
		t := "PC" + fmt.Sprintf("%+d", i.Offset)
		if i.HasLabel {
			t = fmt.Sprintf("L%d", i.Label)
		}

		return fmt.Sprintf("b%s %s", branchCondName(i.BranchCond), t)
	}

	var b strings.Builder

	b.WriteString(i.addMnemonic())

	if i.OpMul != mNOP {
		b.WriteString(" ; ")
		b.WriteString(i.mulMnemonic())
	}

	if s := i.sigMnemonic(); s != "" {
		b.WriteString(" ; ")
		b.WriteString(s)
	}

	return b.String()
}

func (i Instr) addMnemonic() string {
	name := addOpName(i.OpAdd)

	switch i.OpAdd {
	case aNOP, aTMUWT:
		return name
	case aTIDX, aEIDX:
		return fmt.Sprintf("%s %s", name, i.wdst(i.MagicA, i.WAddrA))
	}

	return fmt.Sprintf("%s %s, %s, %s",
		name, i.wdst(i.MagicA, i.WAddrA), i.src(i.AddA), i.src(i.AddB))
}

func (i Instr) mulMnemonic() string {
	return fmt.Sprintf("%s %s, %s, %s",
		mulOpName(i.OpMul), i.wdst(i.MagicM, i.WAddrM), i.src(i.MulA), i.src(i.MulB))
}

func (i Instr) sigMnemonic() string {
	switch {
	case i.Sig&SigLdUnifRF != 0:
		return fmt.Sprintf("ldunifrf.rf%d", i.WAddrA)
	case i.Sig&SigLdTMU != 0:
		return fmt.Sprintf("ldtmu.%s", i.wdst(i.MagicA, i.WAddrA))
	case i.Sig&SigThrSw != 0:
		return "thrsw"
	case i.Sig&SigLdUnif != 0:
		return "ldunif"
	default:
		return ""
	}
}

func (i Instr) wdst(magic bool, waddr uint8) string {
	if !magic {
		return fmt.Sprintf("rf%d", waddr)
	}

	switch {
	case waddr <= 5:
		return fmt.Sprintf("r%d", waddr)
	case waddr == waddrNop:
		return "-"
	case waddr == waddrTMUD:
		return "tmud"
	case waddr == waddrTMUA:
		return "tmua"
	case waddr == waddrSync:
		return "sync"
	case waddr == waddrRecip:
		return "recip"
	case waddr == waddrRSqrt:
		return "rsqrt"
	case waddr == waddrExp:
		return "exp"
	case waddr == waddrLog:
		return "log"
	default:
		return fmt.Sprintf("w%d", waddr)
	}
}

func (i Instr) src(m Mux) string {
	switch {
	case m <= 5:
		return fmt.Sprintf("r%d", m)
	case m == 6:
		return fmt.Sprintf("rf%d", i.RaddrA)
	case i.Sig&SigSmallImm != 0:
		v := SmallImmValue(i.RaddrB)
		if v.IsFloat {
			return fmt.Sprintf("%g", v.Float)
		}

		return fmt.Sprintf("%d", v.Int)
	default:
		return fmt.Sprintf("rf%d", i.RaddrB)
	}
}

func branchCondName(c uint8) string {
	switch c {
	case bAlways:
		return ""
	case bAllA:
		return ".alla"
	case bAllNA:
		return ".allna"
	case bAnyA:
		return ".anya"
	case bAnyNA:
		return ".anyna"
	default:
		return ".b?"
	}
}

func addOpName(op uint8) string {
	switch op {
	case aFADD:
		return "fadd"
	case aFSUB:
		return "fsub"
	case aADD:
		return "add"
	case aSUB:
		return "sub"
	case aMIN:
		return "min"
	case aMAX:
		return "max"
	case aFMIN:
		return "fmin"
	case aFMAX:
		return "fmax"
	case aBAND:
		return "and"
	case aBOR:
		return "or"
	case aBXOR:
		return "xor"
	case aBNOT:
		return "not"
	case aNOP:
		return "nop"
	case aTMUWT:
		return "tmuwt"
	case aSHR:
		return "shr"
	case aASR:
		return "asr"
	case aSHL:
		return "shl"
	case aTIDX:
		return "tidx"
	case aEIDX:
		return "eidx"
	case aFTOI:
		return "ftoi"
	case aITOF:
		return "itof"
	default:
		return fmt.Sprintf("a%d", op)
	}
}

func mulOpName(op uint8) string {
	switch op {
	case mADD:
		return "add"
	case mSUB:
		return "sub"
	case mSMUL24:
		return "smul24"
	case mFMOV:
		return "fmov"
	case mMOV:
		return "mov"
	case mFMUL:
		return "fmul"
	case mROTATE:
		return "rotate"
	case mBAND:
		return "and"
	case mBOR:
		return "or"
	case mBXOR:
		return "xor"
	case mMIN:
		return "min"
	case mMAX:
		return "max"
	default:
		return fmt.Sprintf("m%d", op)
	}
}

// Mnemonics renders an instruction sequence as a listing.
func Mnemonics(instrs []Instr, withComments bool) string {
	var b strings.Builder

	for i, in := range instrs {
		if withComments && in.header != "" {
			fmt.Fprintf(&b, "\n# %s\n", in.header)
		}

		fmt.Fprintf(&b, "%4d: %s", i, in.Mnemonic())

		if withComments && in.comment != "" {
			fmt.Fprintf(&b, "  # %s", in.comment)
		}

		b.WriteByte('\n')
	}

	return b.String()
}
