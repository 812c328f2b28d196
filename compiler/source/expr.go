// Package source is the embedded kernel DSL: host code combines typed
// vector values and control-flow builders into a statement tree, which
// Translate lowers to target IR.
package source

import (
	"github.com/slowlang/qpu/compiler/qir"
)

type (
	exprKind int

	// Expr is one node of the expression tree. Values carry a handle
	// to their node; no host reflection is involved.
	Expr struct {
		kind exprKind

		op   qir.Op // binop, sfu
		a, b *Expr

		intV   int32
		floatV float32

		v qir.Reg // variable reference
	}

	// IntExpr is a 16-wide integer vector value.
	IntExpr struct{ e *Expr }

	// FloatExpr is a 16-wide float vector value.
	FloatExpr struct{ e *Expr }

	// PtrExpr is a GPU bus address value.
	PtrExpr struct{ e *Expr }

	// Complex pairs two float vectors.
	Complex struct {
		Re FloatExpr
		Im FloatExpr
	}

	// Cmp is a comparison, usable as an If/While/Where condition.
	Cmp struct {
		op    qir.CmpOp
		a, b  *Expr
		float bool
	}
)

const (
	exprImmInt exprKind = iota
	exprImmFloat
	exprVar
	exprBinop
	exprSFU
	exprQPUNum
	exprElemNum
)

func Int(v int32) IntExpr {
	return IntExpr{e: &Expr{kind: exprImmInt, intV: v}}
}

func Float(v float32) FloatExpr {
	return FloatExpr{e: &Expr{kind: exprImmFloat, floatV: v}}
}

func binop(op qir.Op, a, b *Expr) *Expr {
	return &Expr{kind: exprBinop, op: op, a: a, b: b}
}

// ==================================================
// Integer operations
// ==================================================

func (x IntExpr) Add(y IntExpr) IntExpr { return IntExpr{e: binop(qir.OpAdd, x.e, y.e)} }
func (x IntExpr) Sub(y IntExpr) IntExpr { return IntExpr{e: binop(qir.OpSub, x.e, y.e)} }
func (x IntExpr) Min(y IntExpr) IntExpr { return IntExpr{e: binop(qir.OpMin, x.e, y.e)} }
func (x IntExpr) Max(y IntExpr) IntExpr { return IntExpr{e: binop(qir.OpMax, x.e, y.e)} }
func (x IntExpr) And(y IntExpr) IntExpr { return IntExpr{e: binop(qir.OpBAnd, x.e, y.e)} }
func (x IntExpr) Or(y IntExpr) IntExpr  { return IntExpr{e: binop(qir.OpBOr, x.e, y.e)} }
func (x IntExpr) Xor(y IntExpr) IntExpr { return IntExpr{e: binop(qir.OpBXor, x.e, y.e)} }

// Mul24 is the 24-bit multiply of the MUL ALU.
func (x IntExpr) Mul24(y IntExpr) IntExpr { return IntExpr{e: binop(qir.OpMul24, x.e, y.e)} }

func (x IntExpr) Shl(n IntExpr) IntExpr { return IntExpr{e: binop(qir.OpShl, x.e, n.e)} }
func (x IntExpr) Shr(n IntExpr) IntExpr { return IntExpr{e: binop(qir.OpShr, x.e, n.e)} }

// Rotate rotates the 16 vector elements by n places, -15..16.
func (x IntExpr) Rotate(n int32) IntExpr {
	return IntExpr{e: binop(qir.OpRotate, x.e, Int(n).e)}
}

func (x IntExpr) ToFloat() FloatExpr { return FloatExpr{e: binop(qir.OpItoF, x.e, Int(0).e)} }

func (x IntExpr) Eq(y IntExpr) Cmp  { return Cmp{op: qir.CmpEQ, a: x.e, b: y.e} }
func (x IntExpr) Neq(y IntExpr) Cmp { return Cmp{op: qir.CmpNEQ, a: x.e, b: y.e} }
func (x IntExpr) Lt(y IntExpr) Cmp  { return Cmp{op: qir.CmpLT, a: x.e, b: y.e} }
func (x IntExpr) Ge(y IntExpr) Cmp  { return Cmp{op: qir.CmpGE, a: x.e, b: y.e} }

// ==================================================
// Float operations
// ==================================================

func (x FloatExpr) Add(y FloatExpr) FloatExpr { return FloatExpr{e: binop(qir.OpFAdd, x.e, y.e)} }
func (x FloatExpr) Sub(y FloatExpr) FloatExpr { return FloatExpr{e: binop(qir.OpFSub, x.e, y.e)} }
func (x FloatExpr) Mul(y FloatExpr) FloatExpr { return FloatExpr{e: binop(qir.OpFMul, x.e, y.e)} }
func (x FloatExpr) Min(y FloatExpr) FloatExpr { return FloatExpr{e: binop(qir.OpFMin, x.e, y.e)} }
func (x FloatExpr) Max(y FloatExpr) FloatExpr { return FloatExpr{e: binop(qir.OpFMax, x.e, y.e)} }

func (x FloatExpr) ToInt() IntExpr { return IntExpr{e: binop(qir.OpFtoI, x.e, Int(0).e)} }

func (x FloatExpr) Lt(y FloatExpr) Cmp { return Cmp{op: qir.CmpLT, a: x.e, b: y.e, float: true} }
func (x FloatExpr) Ge(y FloatExpr) Cmp { return Cmp{op: qir.CmpGE, a: x.e, b: y.e, float: true} }
func (x FloatExpr) Eq(y FloatExpr) Cmp { return Cmp{op: qir.CmpEQ, a: x.e, b: y.e, float: true} }

func sfu(op qir.Op, x *Expr) *Expr {
	return &Expr{kind: exprSFU, op: op, a: x}
}

// SFU functions. The op field carries the special register to write.

func Recip(x FloatExpr) FloatExpr     { return FloatExpr{e: sfu(sfuRecip, x.e)} }
func RecipSqrt(x FloatExpr) FloatExpr { return FloatExpr{e: sfu(sfuRecipSqrt, x.e)} }
func Exp2(x FloatExpr) FloatExpr      { return FloatExpr{e: sfu(sfuExp, x.e)} }
func Log2(x FloatExpr) FloatExpr      { return FloatExpr{e: sfu(sfuLog, x.e)} }

// sfu pseudo-ops, outside the qir.Op space used by real ALU code
const (
	sfuRecip qir.Op = 1000 + iota
	sfuRecipSqrt
	sfuExp
	sfuLog
)

// ==================================================
// Pointer operations
// ==================================================

// Index offsets the pointer by i 32-bit words.
func (p PtrExpr) Index(i IntExpr) PtrExpr {
	return PtrExpr{e: binop(qir.OpAdd, p.e, i.Shl(Int(2)).e)}
}

// ==================================================
// Complex operations
// ==================================================

func (x Complex) Add(y Complex) Complex {
	return Complex{Re: x.Re.Add(y.Re), Im: x.Im.Add(y.Im)}
}

func (x Complex) Sub(y Complex) Complex {
	return Complex{Re: x.Re.Sub(y.Re), Im: x.Im.Sub(y.Im)}
}

func (x Complex) Mul(y Complex) Complex {
	return Complex{
		Re: x.Re.Mul(y.Re).Sub(x.Im.Mul(y.Im)),
		Im: x.Re.Mul(y.Im).Add(x.Im.Mul(y.Re)),
	}
}
