// Package qir is the target intermediate representation for the
// VideoCore QPU back end.
//
// An instruction list comes out of the source translation with every
// variable represented as a file-A register whose id is the variable
// id. The passes in liveness and regalloc rewrite those to physical
// registers, after which the vc4 and v3d packages lower the list to
// 64-bit opcodes.
package qir

import (
	"tlog.app/go/errors"
)

type (
	// Target selects the generated machine format.
	Target int
)

const (
	VC4 Target = iota
	V3D
)

// Compile error taxonomy. Stage wrappers add context on top.
var (
	ErrUnresolvedLabel        = errors.New("unresolved label")
	ErrRegAllocFailure        = errors.New("register allocation failed, insufficient capacity")
	ErrUnsupportedInstruction = errors.New("instruction not supported on target")
	ErrImmediateEncoding      = errors.New("immediate could not be encoded")
	ErrInvariantViolation     = errors.New("internal invariant violated")
	ErrUserAssertion          = errors.New("driver api misuse")
)

func (t Target) String() string {
	switch t {
	case VC4:
		return "vc4"
	case V3D:
		return "v3d"
	default:
		return "unknown"
	}
}

// SizeRegFile is the number of slots in one general register file:
// 32 each for vc4 file A and B, 64 for the unified v3d file.
func (t Target) SizeRegFile() int {
	if t == V3D {
		return 64
	}

	return 32
}

// MaxQPUs is the upper bound accepted by SetNumQPUs.
func (t Target) MaxQPUs() int {
	if t == V3D {
		return 8
	}

	return 12
}
