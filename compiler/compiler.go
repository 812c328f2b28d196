// Package compiler drives the QPU kernel pipeline: DSL statement tree
// to target IR, accumulator pre-pass, register allocation, target
// encoding and label resolution.
package compiler

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/regalloc"
	"github.com/slowlang/qpu/compiler/source"
	"github.com/slowlang/qpu/compiler/v3d"
	"github.com/slowlang/qpu/compiler/vc4"
)

type (
	// Context holds everything one compile needs: the target, the
	// fresh counters and the diagnostics record. Nothing is global,
	// so compiles with separate Contexts can run concurrently.
	Context struct {
		Target qir.Target
		Fresh  qir.Fresh
		Data   Data
	}

	// KernelFunc builds a kernel by calling DSL operations.
	KernelFunc func(k *source.Kernel)
)

func NewContext(target qir.Target) *Context {
	return &Context{Target: target}
}

// Compile runs the full pipeline and returns a kernel ready to load
// arguments into. No partial artefacts survive an error.
func Compile(ctx context.Context, cc *Context, name string, fn KernelFunc) (_ *CompiledKernel, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile kernel", "name", name, "target", cc.Target)
	defer tr.Finish("err", &err)

	cc.Data.Clear()

	k := source.NewKernel(&cc.Fresh)
	fn(k)

	instrs, err := source.Translate(ctx, cc.Target, &cc.Fresh, k)
	if err != nil {
		return nil, errors.Wrap(err, "translate %v", name)
	}

	cc.Data.TargetCodeBeforeRegAlloc = instrs.Mnemonics(true)

	cfg, err := qir.BuildCFG(instrs)
	if err != nil {
		return nil, errors.Wrap(err, "cfg %v", name)
	}

	res, err := regalloc.Allocate(ctx, cc.Target, cfg, instrs, cc.Fresh.VarCount())
	if res != nil {
		cc.Data.NumAccsIntroduced = res.NumAccs
		cc.Data.Warnings = append(cc.Data.Warnings, res.Warnings...)
		cc.Data.LivenessDump = res.LivenessDump
		cc.Data.AllocatedRegistersDump = res.Usage.AllocatedRegistersDump()
		cc.Data.RegUsageDump = res.Usage.Dump(true)
	}
	if err != nil {
		return nil, errors.Wrap(err, "regalloc %v", name)
	}

	cc.Data.TargetCodeAfterRegAlloc = instrs.Mnemonics(true)

	code, listing, err := encode(ctx, cc, instrs)
	if err != nil {
		return nil, errors.Wrap(err, "encode %v", name)
	}

	tr.Printw("kernel compiled", "name", name, "opcodes", len(code),
		"accs", cc.Data.NumAccsIntroduced, "combined", cc.Data.NumInstructionsCombined)

	return &CompiledKernel{
		name:    name,
		target:  cc.Target,
		code:    code,
		listing: listing,
		params:  k.Params(),
		numQPUs: 1,
		data:    &cc.Data,
	}, nil
}

func encode(ctx context.Context, cc *Context, instrs qir.List) (code []uint64, listing string, err error) {
	switch cc.Target {
	case qir.V3D:
		words, combined, err := v3d.Encode(ctx, instrs)
		if err != nil {
			return nil, "", err
		}

		cc.Data.NumInstructionsCombined = combined

		words, err = v3d.ResolveLabels(ctx, words)
		if err != nil {
			return nil, "", err
		}

		return v3d.ByteCode(words), v3d.Mnemonics(words, true), nil
	case qir.VC4:
		words, err := vc4.Encode(ctx, instrs)
		if err != nil {
			return nil, "", err
		}

		words, err = vc4.ResolveLabels(ctx, words)
		if err != nil {
			return nil, "", err
		}

		return vc4.ByteCode(words), vc4.Mnemonics(words, true), nil
	default:
		return nil, "", errors.Wrap(qir.ErrInvariantViolation, "target %v", cc.Target)
	}
}
