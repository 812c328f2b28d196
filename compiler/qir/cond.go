package qir

type (
	// Flag is a vc4-style condition flag.
	Flag int

	// AssignCondTag discriminates AssignCond.
	AssignCondTag int

	// AssignCond guards a register write (where-masking).
	AssignCond struct {
		Tag  AssignCondTag
		Flag Flag
	}

	// BranchCondTag discriminates BranchCond.
	BranchCondTag int

	// BranchCond guards a branch: always, never, or all/any of a flag
	// across the 16 vector elements.
	BranchCond struct {
		Tag  BranchCondTag
		Flag Flag
	}

	// SetCondTag selects which flag group an instruction pushes.
	SetCondTag int

	// SetCond is the flag-setting directive of an instruction.
	SetCond struct {
		Tag SetCondTag
	}

	// CmpOp is a source-level comparison, the origin of both assign
	// and branch conditions.
	CmpOp int
)

const (
	ZS Flag = iota // zero set
	ZC             // zero clear
	NS             // negative set
	NC             // negative clear
)

const (
	CondAlways AssignCondTag = iota
	CondNever
	CondFlag
)

const (
	BCondAlways BranchCondTag = iota
	BCondNever
	BCondAll
	BCondAny
)

const (
	SetNone SetCondTag = iota
	SetZ
	SetN
	SetC
)

const (
	CmpEQ CmpOp = iota
	CmpNEQ
	CmpLT
	CmpGE
)

var (
	Always = AssignCond{Tag: CondAlways}
	Never  = AssignCond{Tag: CondNever}
)

func (f Flag) Negate() Flag {
	switch f {
	case ZS:
		return ZC
	case ZC:
		return ZS
	case NS:
		return NC
	case NC:
		return NS
	default:
		panic(f)
	}
}

func (f Flag) String() string {
	switch f {
	case ZS:
		return "ZS"
	case ZC:
		return "ZC"
	case NS:
		return "NS"
	case NC:
		return "NC"
	default:
		return "?"
	}
}

// AssignCondFor is the write condition selecting elements where the
// comparison held.
func AssignCondFor(op CmpOp) AssignCond {
	switch op {
	case CmpEQ:
		return AssignCond{Tag: CondFlag, Flag: ZS}
	case CmpNEQ:
		return AssignCond{Tag: CondFlag, Flag: ZC}
	case CmpLT:
		return AssignCond{Tag: CondFlag, Flag: NS}
	case CmpGE:
		return AssignCond{Tag: CondFlag, Flag: NC}
	default:
		panic(op)
	}
}

// SetCondFor is the flag group a comparison has to push.
func SetCondFor(op CmpOp) SetCond {
	switch op {
	case CmpEQ, CmpNEQ:
		return SetCond{Tag: SetZ}
	case CmpLT, CmpGE:
		return SetCond{Tag: SetN}
	default:
		panic(op)
	}
}

func (c AssignCond) IsAlways() bool { return c.Tag == CondAlways }
func (c AssignCond) IsNever() bool  { return c.Tag == CondNever }

func (c AssignCond) Negate() AssignCond {
	switch c.Tag {
	case CondAlways:
		return Never
	case CondNever:
		return Always
	case CondFlag:
		return AssignCond{Tag: CondFlag, Flag: c.Flag.Negate()}
	default:
		panic(c)
	}
}

// ToBranchCond lifts an assign condition to a branch condition over
// all or any vector elements.
func (c AssignCond) ToBranchCond(doAll bool) BranchCond {
	switch c.Tag {
	case CondAlways:
		return BranchCond{Tag: BCondAlways}
	case CondNever:
		return BranchCond{Tag: BCondNever}
	}

	tag := BCondAny
	if doAll {
		tag = BCondAll
	}

	return BranchCond{Tag: tag, Flag: c.Flag}
}

func (c AssignCond) String() string {
	switch c.Tag {
	case CondAlways:
		return "always"
	case CondNever:
		return "never"
	default:
		return "where " + c.Flag.String()
	}
}

func (c BranchCond) IsAlways() bool { return c.Tag == BCondAlways }

func (c BranchCond) Negate() BranchCond {
	switch c.Tag {
	case BCondAlways:
		return BranchCond{Tag: BCondNever}
	case BCondNever:
		return BranchCond{Tag: BCondAlways}
	case BCondAll:
		return BranchCond{Tag: BCondAny, Flag: c.Flag.Negate()}
	case BCondAny:
		return BranchCond{Tag: BCondAll, Flag: c.Flag.Negate()}
	default:
		panic(c)
	}
}

func (c BranchCond) String() string {
	switch c.Tag {
	case BCondAlways:
		return "always"
	case BCondNever:
		return "never"
	case BCondAll:
		return "all(" + c.Flag.String() + ")"
	case BCondAny:
		return "any(" + c.Flag.String() + ")"
	default:
		return "?"
	}
}

func (c SetCond) FlagsSet() bool { return c.Tag != SetNone }

func (c SetCond) String() string {
	switch c.Tag {
	case SetNone:
		return ""
	case SetZ:
		return "{sf-Z}"
	case SetN:
		return "{sf-N}"
	case SetC:
		return "{sf-C}"
	default:
		return "?"
	}
}
