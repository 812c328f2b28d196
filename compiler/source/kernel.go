package source

import (
	"github.com/slowlang/qpu/compiler/qir"
)

type (
	stmtKind int

	stmt struct {
		kind stmtKind

		dst  qir.Reg
		src  *Expr
		ptr  *Expr
		cond Cmp
		sema int

		body []*stmt
		alt  []*stmt
	}

	// ParamKind tags a uniform argument slot.
	ParamKind int

	// Param is one kernel argument, read from the uniform stream in
	// declaration order.
	Param struct {
		Name string
		Kind ParamKind

		reg qir.Reg
	}

	// Kernel accumulates the statement tree while the kernel function
	// evaluates. One Kernel serves one compile.
	Kernel struct {
		fresh *qir.Fresh

		params []Param
		top    []*stmt

		stack []*frame

		prefetch bool
	}

	frame struct {
		s      *stmt
		inElse bool
	}

	// IntVar is a mutable integer vector variable.
	IntVar struct {
		k   *Kernel
		reg qir.Reg
	}

	// FloatVar is a mutable float vector variable.
	FloatVar struct {
		k   *Kernel
		reg qir.Reg
	}
)

const (
	stAssign stmtKind = iota
	stIf
	stWhile
	stWhere
	stGather
	stReceive
	stStore
	stSemaInc
	stSemaDec
)

const (
	ParamInt ParamKind = iota
	ParamFloat
	ParamPtr
)

func NewKernel(fresh *qir.Fresh) *Kernel {
	return &Kernel{fresh: fresh}
}

func (k *Kernel) Params() []Param { return k.params }

// SetPrefetch switches vc4 memory reads from the DMA path to TMU
// prefetching. v3d reads always go through the TMU.
func (k *Kernel) SetPrefetch(v bool) { k.prefetch = v }

func (k *Kernel) push(s *stmt) {
	if l := len(k.stack); l != 0 {
		f := k.stack[l-1]

		if f.inElse {
			f.s.alt = append(f.s.alt, s)
		} else {
			f.s.body = append(f.s.body, s)
		}

		return
	}

	k.top = append(k.top, s)
}

func (k *Kernel) arg(name string, kind ParamKind) qir.Reg {
	v := k.fresh.Var()

	k.params = append(k.params, Param{Name: name, Kind: kind, reg: v})

	return v
}

// IntArg declares an integer uniform argument.
func (k *Kernel) IntArg(name string) IntExpr {
	return IntExpr{e: &Expr{kind: exprVar, v: k.arg(name, ParamInt)}}
}

// FloatArg declares a float uniform argument.
func (k *Kernel) FloatArg(name string) FloatExpr {
	return FloatExpr{e: &Expr{kind: exprVar, v: k.arg(name, ParamFloat)}}
}

// PtrArg declares a shared-array base address argument.
func (k *Kernel) PtrArg(name string) PtrExpr {
	return PtrExpr{e: &Expr{kind: exprVar, v: k.arg(name, ParamPtr)}}
}

// Me is the index of the QPU running the kernel.
func (k *Kernel) Me() IntExpr {
	return IntExpr{e: &Expr{kind: exprQPUNum}}
}

// Index is the 0..15 element index vector.
func (k *Kernel) Index() IntExpr {
	return IntExpr{e: &Expr{kind: exprElemNum}}
}

// Int declares a variable initialised to x.
func (k *Kernel) Int(x IntExpr) IntVar {
	v := IntVar{k: k, reg: k.fresh.Var()}
	v.Set(x)

	return v
}

// Float declares a variable initialised to x.
func (k *Kernel) Float(x FloatExpr) FloatVar {
	v := FloatVar{k: k, reg: k.fresh.Var()}
	v.Set(x)

	return v
}

func (v IntVar) X() IntExpr {
	return IntExpr{e: &Expr{kind: exprVar, v: v.reg}}
}

func (v IntVar) Set(x IntExpr) {
	v.k.push(&stmt{kind: stAssign, dst: v.reg, src: x.e})
}

func (v FloatVar) X() FloatExpr {
	return FloatExpr{e: &Expr{kind: exprVar, v: v.reg}}
}

func (v FloatVar) Set(x FloatExpr) {
	v.k.push(&stmt{kind: stAssign, dst: v.reg, src: x.e})
}

// ==================================================
// Control flow builders
// ==================================================

func (k *Kernel) open(s *stmt) {
	k.push(s)
	k.stack = append(k.stack, &frame{s: s})
}

// If opens a conditional block, taken when the condition holds for
// any element.
func (k *Kernel) If(c Cmp) {
	k.open(&stmt{kind: stIf, cond: c})
}

// Else switches the innermost If to its alternative branch.
func (k *Kernel) Else() {
	f := k.stack[len(k.stack)-1]

	if f.s.kind != stIf || f.inElse {
		panic("Else without matching If")
	}

	f.inElse = true
}

// While opens a loop running while the condition holds for any
// element.
func (k *Kernel) While(c Cmp) {
	k.open(&stmt{kind: stWhile, cond: c})
}

// Where opens a masking block: contained assignments only take effect
// in the elements where the condition holds.
func (k *Kernel) Where(c Cmp) {
	k.open(&stmt{kind: stWhere, cond: c})
}

// End closes the innermost open block.
func (k *Kernel) End() {
	if len(k.stack) == 0 {
		panic("End without open block")
	}

	k.stack = k.stack[:len(k.stack)-1]
}

// ==================================================
// Memory access
// ==================================================

// Gather issues a TMU read of the address; the value arrives with the
// matching Receive.
func (k *Kernel) Gather(p PtrExpr) {
	k.push(&stmt{kind: stGather, ptr: p.e})
}

// Receive binds the oldest outstanding gather result to the variable.
func (k *Kernel) Receive(v IntVar) {
	k.push(&stmt{kind: stReceive, dst: v.reg})
}

// ReceiveF is Receive for a float variable.
func (k *Kernel) ReceiveF(v FloatVar) {
	k.push(&stmt{kind: stReceive, dst: v.reg})
}

// Store writes the value to the address: TMU write on v3d, VPM DMA
// on vc4.
func (k *Kernel) Store(x IntExpr, p PtrExpr) {
	k.push(&stmt{kind: stStore, src: x.e, ptr: p.e})
}

// StoreF is Store for a float value.
func (k *Kernel) StoreF(x FloatExpr, p PtrExpr) {
	k.push(&stmt{kind: stStore, src: x.e, ptr: p.e})
}

// ==================================================
// Semaphores (vc4 only)
// ==================================================

func (k *Kernel) SemaInc(id int) {
	k.push(&stmt{kind: stSemaInc, sema: id})
}

func (k *Kernel) SemaDec(id int) {
	k.push(&stmt{kind: stSemaDec, sema: id})
}
