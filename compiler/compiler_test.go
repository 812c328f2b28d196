package compiler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/qpu/compiler/mem"
	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/source"
)

// addKernel sums two arrays element-wise, touching loads, stores,
// loop control and uniform arguments.
func addKernel(k *source.Kernel) {
	n := k.IntArg("n")
	p := k.PtrArg("p")
	q := k.PtrArg("q")
	r := k.PtrArg("r")

	i := k.Int(k.Index())

	k.While(i.X().Lt(n))

	a := k.Int(source.Int(0))
	b := k.Int(source.Int(0))

	k.Gather(p.Index(i.X()))
	k.Receive(a)
	k.Gather(q.Index(i.X()))
	k.Receive(b)

	k.Store(a.X().Add(b.X()), r.Index(i.X()))

	i.Set(i.X().Add(source.Int(16)))

	k.End()
}

func maskKernel(k *source.Kernel) {
	p := k.PtrArg("p")
	lim := k.IntArg("lim")

	x := k.Int(source.Int(0))

	k.Gather(p.Index(k.Index()))
	k.Receive(x)

	k.Where(x.X().Ge(lim))
	x.Set(lim)
	k.End()

	k.Store(x.X(), p.Index(k.Index()))
}

func TestCompileV3D(t *testing.T) {
	cc := NewContext(qir.V3D)

	k, err := Compile(context.Background(), cc, "add", addKernel)
	require.NoError(t, err)

	assert.NotEmpty(t, k.Code())
	assert.NotEmpty(t, k.Listing())
	assert.NotEmpty(t, cc.Data.LivenessDump)
	assert.NotEmpty(t, cc.Data.AllocatedRegistersDump)
}

func TestCompileVC4(t *testing.T) {
	cc := NewContext(qir.VC4)

	k, err := Compile(context.Background(), cc, "add", addKernel)
	require.NoError(t, err)

	assert.NotEmpty(t, k.Code())
}

func TestCompileWhereMask(t *testing.T) {
	for _, target := range []qir.Target{qir.VC4, qir.V3D} {
		cc := NewContext(target)

		k, err := Compile(context.Background(), cc, "mask", maskKernel)
		require.NoError(t, err, "target %v", target)
		assert.NotEmpty(t, k.Code())
	}
}

// Separate contexts keep compiles independent: no shared counters or
// diagnostics.
func TestConcurrentContexts(t *testing.T) {
	cc1 := NewContext(qir.V3D)
	cc2 := NewContext(qir.V3D)

	k1, err := Compile(context.Background(), cc1, "add", addKernel)
	require.NoError(t, err)

	k2, err := Compile(context.Background(), cc2, "add", addKernel)
	require.NoError(t, err)

	assert.Equal(t, k1.Code(), k2.Code())
}

func TestSetNumQPUs(t *testing.T) {
	cc := NewContext(qir.V3D)

	k, err := Compile(context.Background(), cc, "mask", maskKernel)
	require.NoError(t, err)

	assert.NoError(t, k.SetNumQPUs(1))
	assert.NoError(t, k.SetNumQPUs(8))
	assert.ErrorIs(t, k.SetNumQPUs(3), qir.ErrUserAssertion)

	cc = NewContext(qir.VC4)

	k, err = Compile(context.Background(), cc, "mask", maskKernel)
	require.NoError(t, err)

	assert.NoError(t, k.SetNumQPUs(12))
	assert.ErrorIs(t, k.SetNumQPUs(13), qir.ErrUserAssertion)
	assert.ErrorIs(t, k.SetNumQPUs(0), qir.ErrUserAssertion)
}

func TestLoadValidation(t *testing.T) {
	cc := NewContext(qir.V3D)

	k, err := Compile(context.Background(), cc, "mask", maskKernel)
	require.NoError(t, err)

	err = k.Load(1)
	assert.ErrorIs(t, err, qir.ErrUserAssertion)

	bo := mem.NewBufferObject(1 << 10)

	arr, err := bo.Alloc(16)
	require.NoError(t, err)

	// pointer argument needs a shared array
	err = k.Load(7, arr)
	assert.ErrorIs(t, err, qir.ErrUserAssertion)

	err = k.Load(arr, 7)
	assert.NoError(t, err)
}

type captureDriver struct {
	unif    []uint32
	numQPUs int
	bo      *mem.BufferObject
}

func (d *captureDriver) Execute(ctx context.Context, code []uint64, unif *mem.SharedArray, numQPUs int) error {
	d.numQPUs = numQPUs

	d.unif = make([]uint32, unif.Len())
	for i := range d.unif {
		d.unif[i] = unif.Get(i)
	}

	strip := unif.Len() / numQPUs

	for q := 0; q < numQPUs; q++ {
		d.bo.SetWord(unif.Get(q*strip+strip-1), 1)
	}

	return nil
}

// Uniform strip layout: qpu index, qpu count, the arguments in
// declaration order, done address.
func TestUniformLayout(t *testing.T) {
	cc := NewContext(qir.V3D)

	k, err := Compile(context.Background(), cc, "mask", maskKernel)
	require.NoError(t, err)

	bo := mem.NewBufferObject(1 << 12)
	d := &captureDriver{bo: bo}
	k.Attach(bo, d)

	arr, err := bo.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, k.Load(arr, 42))
	require.NoError(t, k.SetNumQPUs(8))
	require.NoError(t, k.Call(context.Background()))

	assert.Equal(t, 8, d.numQPUs)

	strip := len(d.unif) / 8
	require.Equal(t, 2+2+1, strip)

	for q := 0; q < 8; q++ {
		off := q * strip

		assert.Equal(t, uint32(q), d.unif[off], "qpu index")
		assert.Equal(t, uint32(8), d.unif[off+1], "qpu count")
		assert.Equal(t, arr.Addr(), d.unif[off+2], "pointer argument")
		assert.Equal(t, uint32(42), d.unif[off+3], "scalar argument")
		assert.NotZero(t, d.unif[off+4], "done address")
	}
}

func TestCallWithEmulator(t *testing.T) {
	cc := NewContext(qir.V3D)

	k, err := Compile(context.Background(), cc, "mask", maskKernel)
	require.NoError(t, err)

	bo := mem.NewBufferObject(1 << 12)
	k.Attach(bo, NewEmulator(bo))

	arr, err := bo.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, k.Load(arr, 10))
	require.NoError(t, k.Call(context.Background()))
}

func TestDumpCompileData(t *testing.T) {
	cc := NewContext(qir.V3D)

	k, err := Compile(context.Background(), cc, "add", addKernel)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "compile_data.txt")

	require.NoError(t, k.DumpCompileData(true, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "Liveness table")
	assert.Contains(t, text, "Allocated registers")
	assert.Contains(t, text, "Accumulators introduced")

	// liveness lines are "i: v, v, ..."
	assert.True(t, strings.Contains(text, "0: "), "liveness lines missing")
}

// Compile must not leak partial artefacts on failure.
func TestCompileErrorNoArtefacts(t *testing.T) {
	cc := NewContext(qir.V3D)

	k, err := Compile(context.Background(), cc, "open", func(k *source.Kernel) {
		x := k.Int(source.Int(0))
		k.While(x.X().Lt(source.Int(3)))
		// block left open
	})

	assert.Error(t, err)
	assert.Nil(t, k)
}
