package compiler

import (
	"context"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler/mem"
	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/source"
)

type (
	// Driver hands a code and uniform buffer to the GPU and blocks
	// until the done word is written. The real ioctl/mailbox layer
	// lives outside this module; Emulator stands in for it.
	Driver interface {
		Execute(ctx context.Context, code []uint64, unif *mem.SharedArray, numQPUs int) error
	}

	// CompiledKernel is the output of Compile: opcodes plus the
	// argument binding and invocation surface.
	CompiledKernel struct {
		name    string
		target  qir.Target
		code    []uint64
		listing string
		params  []source.Param

		uniforms []uint32
		loaded   bool
		numQPUs  int

		data   *Data
		driver Driver
		bo     *mem.BufferObject
	}

	// Emulator is the in-process driver used by tests and the CLI:
	// it only honours the completion contract.
	Emulator struct {
		bo *mem.BufferObject
	}
)

// uniform strip layout: qpu index, qpu count, the K user arguments,
// done address.
const uniformExtra = 3

func NewEmulator(bo *mem.BufferObject) *Emulator {
	return &Emulator{bo: bo}
}

// Execute writes the done word each QPU strip points at.
func (e *Emulator) Execute(ctx context.Context, code []uint64, unif *mem.SharedArray, numQPUs int) error {
	if len(code) == 0 {
		return errors.New("empty code buffer")
	}

	strip := unif.Len() / numQPUs

	for q := 0; q < numQPUs; q++ {
		done := unif.Get(q*strip + strip - 1)
		e.bo.SetWord(done, 1)
	}

	return nil
}

func (k *CompiledKernel) Name() string       { return k.name }
func (k *CompiledKernel) Target() qir.Target { return k.target }
func (k *CompiledKernel) Code() []uint64     { return k.code }
func (k *CompiledKernel) Listing() string    { return k.listing }

// Attach points the kernel at a buffer object and driver. Tests and
// the CLI use an emulator; a real driver satisfies the same contract.
func (k *CompiledKernel) Attach(bo *mem.BufferObject, d Driver) {
	k.bo = bo
	k.driver = d
}

// SetNumQPUs selects how many QPUs execute the kernel: 1 or 8 on v3d,
// 1..12 on vc4.
func (k *CompiledKernel) SetNumQPUs(n int) error {
	switch k.target {
	case qir.V3D:
		if n != 1 && n != 8 {
			return errors.Wrap(qir.ErrUserAssertion, "num QPUs must be 1 or 8, got %d", n)
		}
	case qir.VC4:
		if n < 1 || n > k.target.MaxQPUs() {
			return errors.Wrap(qir.ErrUserAssertion, "num QPUs must be 1..%d, got %d", k.target.MaxQPUs(), n)
		}
	}

	k.numQPUs = n

	return nil
}

// Load binds the uniform arguments in declaration order: int32,
// uint32 or float32 scalars, or shared arrays for pointers.
func (k *CompiledKernel) Load(args ...any) error {
	if len(args) != len(k.params) {
		return errors.Wrap(qir.ErrUserAssertion, "kernel %v takes %d arguments, got %d",
			k.name, len(k.params), len(args))
	}

	unif := make([]uint32, len(args))

	for i, a := range args {
		p := k.params[i]

		switch v := a.(type) {
		case int:
			if p.Kind == source.ParamPtr {
				return errors.Wrap(qir.ErrUserAssertion, "argument %v (%v) needs a shared array", i, p.Name)
			}

			unif[i] = uint32(int32(v))
		case int32:
			if p.Kind == source.ParamPtr {
				return errors.Wrap(qir.ErrUserAssertion, "argument %v (%v) needs a shared array", i, p.Name)
			}

			unif[i] = uint32(v)
		case uint32:
			unif[i] = v
		case float32:
			if p.Kind != source.ParamFloat {
				return errors.Wrap(qir.ErrUserAssertion, "argument %v (%v) is not float", i, p.Name)
			}

			unif[i] = floatBits(v)
		case *mem.SharedArray:
			if p.Kind != source.ParamPtr {
				return errors.Wrap(qir.ErrUserAssertion, "argument %v (%v) is not a pointer", i, p.Name)
			}

			unif[i] = v.Addr()
		default:
			return errors.Wrap(qir.ErrUserAssertion, "argument %v (%v): unsupported type %T", i, p.Name, a)
		}
	}

	k.uniforms = unif
	k.loaded = true

	return nil
}

// Call uploads code and uniforms and blocks until completion. Each
// QPU reads its own uniform strip at a per-QPU offset.
func (k *CompiledKernel) Call(ctx context.Context) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "invoke kernel", "name", k.name, "qpus", k.numQPUs)
	defer tr.Finish("err", &err)

	if !k.loaded && len(k.params) != 0 {
		return errors.Wrap(qir.ErrUserAssertion, "kernel %v: arguments not loaded", k.name)
	}

	if k.driver == nil || k.bo == nil {
		bo := mem.NewBufferObject(1 << 16)
		k.Attach(bo, NewEmulator(bo))
	}

	done, err := k.bo.Alloc(1)
	if err != nil {
		return errors.Wrap(err, "done region")
	}

	done.Set(0, 0)

	strip := len(k.uniforms) + uniformExtra

	unif, err := k.bo.Alloc(uint32(strip * k.numQPUs))
	if err != nil {
		return errors.Wrap(err, "uniform buffer")
	}

	for q := 0; q < k.numQPUs; q++ {
		off := q * strip

		unif.Set(off, uint32(q))
		unif.Set(off+1, uint32(k.numQPUs))

		for j, u := range k.uniforms {
			unif.Set(off+2+j, u)
		}

		unif.Set(off+strip-1, done.Addr())
	}

	err = k.driver.Execute(ctx, k.code, unif, k.numQPUs)
	if err != nil {
		return errors.Wrap(err, "driver")
	}

	if done.Get(0) == 0 {
		return errors.New("kernel did not signal completion")
	}

	unif.Dealloc()
	done.Dealloc()

	return nil
}

// DumpCompileData writes the diagnostics collected during Compile.
func (k *CompiledKernel) DumpCompileData(verbose bool, path string) error {
	return k.data.WriteFile(verbose, path)
}

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}
