package qir

import (
	"fmt"

	"tlog.app/go/tlog/tlwire"
)

type (
	RegID int

	RegTag int

	// Reg is a tagged register reference. Before register allocation
	// every variable is (RegA, var id); after allocation only physical
	// tags remain.
	Reg struct {
		Tag RegTag
		ID  RegID
	}

	// RegOrImm is either a register or a small-literal immediate.
	RegOrImm struct {
		reg Reg
		imm SmallImm
		is  bool // immediate
	}

	// SmallImm holds a small-literal code (an index into the vc4
	// small literal table, see imm.go). The v3d encoder decodes
	// the code back to a value and re-encodes it for its own table.
	SmallImm struct {
		Val int
	}
)

const (
	RegA RegTag = iota // file A, or a variable before allocation
	RegB               // file B (vc4 only)
	Acc                // accumulators r0..r5
	Special            // named hardware registers
	None
	TmpA // transient tags used during allocation only
	TmpB
)

// Special register ids.
const (
	SpecUniform RegID = iota
	SpecQPUNum
	SpecElemNum
	SpecVPMRead
	SpecVPMWrite
	SpecRdSetup
	SpecWrSetup
	SpecDMALoadWait
	SpecDMAStoreWait
	SpecDMALoadAddr
	SpecDMAStoreAddr
	SpecTMU0S
	SpecSFURecip
	SpecSFURecipSqrt
	SpecSFUExp
	SpecSFULog
	SpecHostInt
)

var (
	NoneR = Reg{Tag: None}

	ACC0 = Reg{Tag: Acc, ID: 0}
	ACC1 = Reg{Tag: Acc, ID: 1}
	ACC2 = Reg{Tag: Acc, ID: 2}
	ACC3 = Reg{Tag: Acc, ID: 3}
	ACC4 = Reg{Tag: Acc, ID: 4}
	ACC5 = Reg{Tag: Acc, ID: 5}

	Uniform      = Reg{Tag: Special, ID: SpecUniform}
	QPUNum       = Reg{Tag: Special, ID: SpecQPUNum}
	ElemNum      = Reg{Tag: Special, ID: SpecElemNum}
	VPMRead      = Reg{Tag: Special, ID: SpecVPMRead}
	VPMWrite     = Reg{Tag: Special, ID: SpecVPMWrite}
	RdSetup      = Reg{Tag: Special, ID: SpecRdSetup}
	WrSetup      = Reg{Tag: Special, ID: SpecWrSetup}
	DMALoadAddr  = Reg{Tag: Special, ID: SpecDMALoadAddr}
	DMAStoreAddr = Reg{Tag: Special, ID: SpecDMAStoreAddr}
	TMU0S        = Reg{Tag: Special, ID: SpecTMU0S}
	SFURecip     = Reg{Tag: Special, ID: SpecSFURecip}
	SFURecipSqrt = Reg{Tag: Special, ID: SpecSFURecipSqrt}
	SFUExp       = Reg{Tag: Special, ID: SpecSFUExp}
	SFULog       = Reg{Tag: Special, ID: SpecSFULog}

	// v3d synonyms: memory writes go through the TMU.
	TMUD = VPMWrite
	TMUA = DMAStoreAddr
)

// Var is the variable placeholder form used before allocation.
func Var(id RegID) Reg {
	return Reg{Tag: RegA, ID: id}
}

func RF(i RegID) Reg {
	return Reg{Tag: RegA, ID: i}
}

func (r Reg) IsNone() bool { return r.Tag == None }

func (r Reg) String() string {
	switch r.Tag {
	case RegA:
		return fmt.Sprintf("A%d", r.ID)
	case RegB:
		return fmt.Sprintf("B%d", r.ID)
	case Acc:
		return fmt.Sprintf("r%d", r.ID)
	case Special:
		return specialName(r.ID)
	case None:
		return "_"
	case TmpA:
		return fmt.Sprintf("TA%d", r.ID)
	case TmpB:
		return fmt.Sprintf("TB%d", r.ID)
	default:
		return fmt.Sprintf("?%d.%d", r.Tag, r.ID)
	}
}

func specialName(id RegID) string {
	switch id {
	case SpecUniform:
		return "UNIFORM"
	case SpecQPUNum:
		return "QPU_NUM"
	case SpecElemNum:
		return "ELEM_NUM"
	case SpecVPMRead:
		return "VPM_READ"
	case SpecVPMWrite:
		return "VPM_WRITE"
	case SpecRdSetup:
		return "RD_SETUP"
	case SpecWrSetup:
		return "WR_SETUP"
	case SpecDMALoadWait:
		return "DMA_LD_WAIT"
	case SpecDMAStoreWait:
		return "DMA_ST_WAIT"
	case SpecDMALoadAddr:
		return "DMA_LD_ADDR"
	case SpecDMAStoreAddr:
		return "DMA_ST_ADDR"
	case SpecTMU0S:
		return "TMU0_S"
	case SpecSFURecip:
		return "SFU_RECIP"
	case SpecSFURecipSqrt:
		return "SFU_RECIPSQRT"
	case SpecSFUExp:
		return "SFU_EXP"
	case SpecSFULog:
		return "SFU_LOG"
	case SpecHostInt:
		return "HOST_INT"
	default:
		return fmt.Sprintf("SPECIAL%d", id)
	}
}

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, r.String())
}

func RegSrc(r Reg) RegOrImm {
	return RegOrImm{reg: r}
}

func ImmSrc(code int) RegOrImm {
	return RegOrImm{imm: SmallImm{Val: code}, is: true}
}

func (s RegOrImm) IsReg() bool { return !s.is }
func (s RegOrImm) IsImm() bool { return s.is }

func (s RegOrImm) Reg() Reg {
	if s.is {
		panic("not a register")
	}

	return s.reg
}

func (s RegOrImm) Imm() SmallImm {
	if !s.is {
		panic("not an immediate")
	}

	return s.imm
}

func (s *RegOrImm) SetReg(r Reg) {
	s.reg = r
	s.is = false
}

func (s RegOrImm) String() string {
	if s.is {
		return fmt.Sprintf("#%d", s.imm.Val)
	}

	return s.reg.String()
}

func (s RegOrImm) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, s.String())
}
