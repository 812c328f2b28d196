package source

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/qir"
)

// VPM and DMA setup words for the vc4 memory path: one horizontal
// 16-word vector at VPM row 0. The DMA words have the top bit set,
// hence the negative literals.
const (
	vpmWriteSetup int32 = 0x00001a00
	vpmReadSetup  int32 = 0x00101a00
	dmaStoreSetup int32 = -0x7fefc000 // 0x80104000
	dmaLoadSetup  int32 = -0x7c100000 // 0x83f00000
)

type (
	translator struct {
		target qir.Target
		fresh  *qir.Fresh

		instrs qir.List

		cond     qir.AssignCond // current where mask
		stored   bool
		prefetch bool
		dmaReads int
	}
)

// Translate lowers the kernel's statement tree to target IR: uniform
// loads first, then the init-block markers, the body, and the program
// terminator.
func Translate(ctx context.Context, target qir.Target, fresh *qir.Fresh, k *Kernel) (_ qir.List, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "translate", "target", target, "params", len(k.params))
	defer tr.Finish("err", &err)

	if len(k.stack) != 0 {
		return nil, errors.Wrap(qir.ErrUserAssertion, "%d unclosed blocks", len(k.stack))
	}

	t := &translator{
		target:   target,
		fresh:    fresh,
		cond:     qir.Always,
		prefetch: k.prefetch,
	}

	for _, p := range k.params {
		in := qir.ALUOp(qir.OpBOr, p.reg, qir.RegSrc(qir.Uniform), qir.RegSrc(qir.Uniform))
		t.emit(in.Comment(fmt.Sprintf("uniform %s", p.Name)))
	}

	t.emit(qir.Instr{Tag: qir.InitBegin})
	t.emit(qir.Instr{Tag: qir.InitEnd})

	err = t.stmts(k.top)
	if err != nil {
		return nil, err
	}

	if t.stored && target == qir.V3D {
		t.emit(qir.Instr{Tag: qir.TMUWT})
	}

	t.emit(qir.Instr{Tag: qir.END})

	if tr.If("dump_target") {
		tr.Printw("target code", "dump", t.instrs.Mnemonics(true))
	}

	return t.instrs, nil
}

func (t *translator) emit(is ...qir.Instr) {
	t.instrs.Append(is...)
}

func (t *translator) stmts(list []*stmt) error {
	for _, s := range list {
		err := t.stmt(s)
		if err != nil {
			return err
		}
	}

	return nil
}

func (t *translator) stmt(s *stmt) error {
	switch s.kind {
	case stAssign:
		return t.assign(s.dst, s.src)
	case stIf:
		return t.ifStmt(s)
	case stWhile:
		return t.whileStmt(s)
	case stWhere:
		return t.whereStmt(s)
	case stGather:
		return t.gather(s)
	case stReceive:
		if t.target == qir.VC4 && t.dmaReads > 0 {
			t.dmaReads--
			t.emit(qir.ALUOp(qir.OpBOr, s.dst, qir.RegSrc(qir.VPMRead), qir.RegSrc(qir.VPMRead)))

			return nil
		}

		t.emit(qir.Recv(s.dst))

		return nil
	case stStore:
		return t.store(s)
	case stSemaInc:
		t.emit(qir.SemaInc(s.sema))
		return nil
	case stSemaDec:
		t.emit(qir.SemaDec(s.sema))
		return nil
	default:
		return errors.Wrap(qir.ErrInvariantViolation, "stmt kind %d", s.kind)
	}
}

func (t *translator) assign(dst qir.Reg, e *Expr) error {
	if t.cond.IsAlways() {
		return t.evalInto(dst, e)
	}

	// Inside a where block the final write is masked: compute
	// unconditionally, move conditionally.
	src, err := t.eval(e)
	if err != nil {
		return err
	}

	in := qir.ALUOp(qir.OpBOr, dst, src, src).Cond(t.cond)
	t.emit(in)

	return nil
}

// eval emits code for an expression and returns its operand form: a
// small literal stays an immediate, anything else lands in a variable.
func (t *translator) eval(e *Expr) (qir.RegOrImm, error) {
	switch e.kind {
	case exprImmInt:
		if code, ok := qir.EncodeSmallLit(qir.IntImm(e.intV)); ok {
			return qir.ImmSrc(code), nil
		}
	case exprImmFloat:
		if code, ok := qir.EncodeSmallLit(qir.FloatImm(e.floatV)); ok {
			return qir.ImmSrc(code), nil
		}
	case exprVar:
		return qir.RegSrc(e.v), nil
	}

	v := t.fresh.Var()

	err := t.evalInto(v, e)
	if err != nil {
		return qir.RegOrImm{}, err
	}

	return qir.RegSrc(v), nil
}

// evalInto emits code computing the expression into dst.
func (t *translator) evalInto(dst qir.Reg, e *Expr) error {
	switch e.kind {
	case exprImmInt:
		t.emit(qir.LoadI(dst, qir.IntImm(e.intV)))
		return nil
	case exprImmFloat:
		t.emit(qir.LoadI(dst, qir.FloatImm(e.floatV)))
		return nil
	case exprVar:
		t.emit(qir.Mov(dst, e.v))
		return nil
	case exprQPUNum:
		t.emit(qir.ALUOp(qir.OpBOr, dst, qir.RegSrc(qir.QPUNum), qir.RegSrc(qir.QPUNum)))
		return nil
	case exprElemNum:
		t.emit(qir.ALUOp(qir.OpBOr, dst, qir.RegSrc(qir.ElemNum), qir.RegSrc(qir.ElemNum)))
		return nil
	case exprSFU:
		return t.evalSFU(dst, e)
	case exprBinop:
		if e.op == qir.OpRotate {
			return t.evalRotate(dst, e)
		}

		a, err := t.eval(e.a)
		if err != nil {
			return err
		}

		b, err := t.eval(e.b)
		if err != nil {
			return err
		}

		t.emit(qir.ALUOp(e.op, dst, a, b))

		return nil
	default:
		return errors.Wrap(qir.ErrInvariantViolation, "expr kind %d", e.kind)
	}
}

// evalSFU emits the special function unit call sequence: write the
// operand to the function register, wait two instructions, read r4.
func (t *translator) evalSFU(dst qir.Reg, e *Expr) error {
	var reg qir.Reg

	switch e.op {
	case sfuRecip:
		reg = qir.SFURecip
	case sfuRecipSqrt:
		reg = qir.SFURecipSqrt
	case sfuExp:
		reg = qir.SFUExp
	case sfuLog:
		reg = qir.SFULog
	default:
		return errors.Wrap(qir.ErrInvariantViolation, "sfu op %d", e.op)
	}

	src, err := t.eval(e.a)
	if err != nil {
		return err
	}

	t.emit(
		qir.ALUOp(qir.OpBOr, reg, src, src).Comment("SFU call"),
		qir.Nop(),
		qir.Nop(),
		qir.Mov(dst, qir.ACC4),
	)

	return nil
}

// evalRotate emits a vector rotate. The amount must be a literal in
// -15..16; vc4 wants the source staged in r0 with a gap before the
// rotate, v3d does its own staging in the encoder.
func (t *translator) evalRotate(dst qir.Reg, e *Expr) error {
	if e.b.kind != exprImmInt {
		return errors.Wrap(qir.ErrUserAssertion, "rotate amount must be a constant")
	}

	n := e.b.intV
	if n < -15 || n > 16 {
		return errors.Wrap(qir.ErrUserAssertion, "rotate amount %d out of range", n)
	}

	code, ok := qir.EncodeSmallLit(qir.IntImm(n))
	if !ok {
		code, _ = qir.EncodeSmallLit(qir.IntImm(n - 32)) // 16 wraps
	}

	src, err := t.eval(e.a)
	if err != nil {
		return err
	}

	if t.target == qir.VC4 {
		t.emit(
			qir.ALUOp(qir.OpBOr, qir.ACC0, src, src).Comment("rotate source to r0"),
			qir.Nop(),
			qir.ALUOp(qir.OpRotate, dst, qir.RegSrc(qir.ACC0), qir.ImmSrc(code)),
		)

		return nil
	}

	t.emit(qir.ALUOp(qir.OpRotate, dst, src, qir.ImmSrc(code)))

	return nil
}

// compare emits the flag-setting comparison for a condition.
func (t *translator) compare(c Cmp) error {
	a, err := t.eval(c.a)
	if err != nil {
		return err
	}

	b, err := t.eval(c.b)
	if err != nil {
		return err
	}

	op := qir.OpSub
	if c.float {
		op = qir.OpFSub
	}

	in := qir.ALUOp(op, qir.NoneR, a, b).SetCondFlag(qir.SetCondFor(c.op))
	t.emit(in)

	return nil
}

func (t *translator) ifStmt(s *stmt) error {
	err := t.compare(s.cond)
	if err != nil {
		return err
	}

	// Skip the branch when the condition fails in every element.
	skip := qir.AssignCondFor(s.cond.op).Negate().ToBranchCond(true)

	elseL := t.fresh.Label()

	t.emit(qir.Branch(skip, elseL))

	err = t.stmts(s.body)
	if err != nil {
		return err
	}

	if len(s.alt) == 0 {
		t.emit(qir.LabelInstr(elseL))
		return nil
	}

	endL := t.fresh.Label()

	t.emit(qir.Jump(endL), qir.LabelInstr(elseL))

	err = t.stmts(s.alt)
	if err != nil {
		return err
	}

	t.emit(qir.LabelInstr(endL))

	return nil
}

func (t *translator) whileStmt(s *stmt) error {
	startL := t.fresh.Label()
	endL := t.fresh.Label()

	t.emit(qir.LabelInstr(startL))

	err := t.compare(s.cond)
	if err != nil {
		return err
	}

	skip := qir.AssignCondFor(s.cond.op).Negate().ToBranchCond(true)

	t.emit(qir.Branch(skip, endL))

	err = t.stmts(s.body)
	if err != nil {
		return err
	}

	t.emit(qir.Jump(startL), qir.LabelInstr(endL))

	return nil
}

func (t *translator) whereStmt(s *stmt) error {
	err := t.compare(s.cond)
	if err != nil {
		return err
	}

	saved := t.cond
	t.cond = qir.AssignCondFor(s.cond.op)

	err = t.stmts(s.body)

	t.cond = saved

	return err
}

func (t *translator) gather(s *stmt) error {
	addr, err := t.eval(s.ptr)
	if err != nil {
		return err
	}

	if t.target == qir.VC4 && !t.prefetch {
		// DMA path: pull one vector through the VPM, then set up the
		// VPM read for the matching receive.
		t.dmaReads++
		t.emit(
			qir.LoadI(qir.RdSetup, qir.IntImm(dmaLoadSetup)).Comment("DMA load setup"),
			qir.ALUOp(qir.OpBOr, qir.DMALoadAddr, addr, addr),
			qir.Instr{Tag: qir.DMALoadWait},
			qir.LoadI(qir.RdSetup, qir.IntImm(vpmReadSetup)).Comment("VPM read setup"),
		)

		return nil
	}

	t.emit(qir.ALUOp(qir.OpBOr, qir.TMU0S, addr, addr).Comment("TMU gather"))

	return nil
}

func (t *translator) store(s *stmt) error {
	val, err := t.eval(s.src)
	if err != nil {
		return err
	}

	addr, err := t.eval(s.ptr)
	if err != nil {
		return err
	}

	if t.target == qir.VC4 {
		t.emit(
			qir.LoadI(qir.WrSetup, qir.IntImm(vpmWriteSetup)).Comment("VPM write setup"),
			qir.ALUOp(qir.OpBOr, qir.VPMWrite, val, val),
			qir.LoadI(qir.WrSetup, qir.IntImm(dmaStoreSetup)).Comment("DMA store setup"),
			qir.ALUOp(qir.OpBOr, qir.DMAStoreAddr, addr, addr),
			qir.Instr{Tag: qir.DMAStoreWait},
		)

		return nil
	}

	t.emit(
		qir.ALUOp(qir.OpBOr, qir.TMUD, val, val).Comment("TMU store data"),
		qir.ALUOp(qir.OpBOr, qir.TMUA, addr, addr),
	)

	t.stored = true

	return nil
}
