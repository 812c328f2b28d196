package main

import (
	"context"
	"fmt"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/qpu/compiler"
	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/source"
)

func main() {
	compileCmd := &cli.Command{
		Name:        "compile",
		Description: "compile a demo kernel and print its opcodes: compile <vc4|v3d> <add|rot|mask>",
		Action:      compileAct,
		Args:        cli.Args{},
	}

	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "compile a demo kernel and print compile diagnostics: dump <vc4|v3d> <add|rot|mask>",
		Action:      dumpAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "qpu",
		Description: "qpu is a kernel compiler for the VideoCore vc4 and v3d QPUs",
		Commands: []*cli.Command{
			compileCmd,
			dumpCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func parseArgs(c *cli.Command) (*compiler.Context, string, compiler.KernelFunc, error) {
	if len(c.Args) != 2 {
		return nil, "", nil, errors.New("usage: <vc4|v3d> <add|rot|mask>")
	}

	var target qir.Target

	switch c.Args[0] {
	case "vc4":
		target = qir.VC4
	case "v3d":
		target = qir.V3D
	default:
		return nil, "", nil, errors.New("unknown target %v", c.Args[0])
	}

	fn, ok := demos[c.Args[1]]
	if !ok {
		return nil, "", nil, errors.New("unknown kernel %v", c.Args[1])
	}

	return compiler.NewContext(target), c.Args[1], fn, nil
}

func compileAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cc, name, fn, err := parseArgs(c)
	if err != nil {
		return err
	}

	k, err := compiler.Compile(ctx, cc, name, fn)
	if err != nil {
		return errors.Wrap(err, "compile %v", name)
	}

	fmt.Printf("%s\n", k.Listing())

	for i, w := range k.Code() {
		fmt.Printf("%4d: %016x\n", i, w)
	}

	return nil
}

func dumpAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cc, name, fn, err := parseArgs(c)
	if err != nil {
		return err
	}

	_, err = compiler.Compile(ctx, cc, name, fn)
	if err != nil {
		return errors.Wrap(err, "compile %v", name)
	}

	fmt.Printf("%s", cc.Data.Dump(true))

	return nil
}

// demo kernels exercising the major pipeline paths
var demos = map[string]compiler.KernelFunc{
	// element-wise add of two arrays
	"add": func(k *source.Kernel) {
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
	},

	// vector rotation
	"rot": func(k *source.Kernel) {
		p := k.PtrArg("p")

		x := k.Int(source.Int(0))

		k.Gather(p.Index(k.Index()))
		k.Receive(x)

		k.Store(x.X().Rotate(3), p.Index(k.Index()))
	},

	// where-masked clamp
	"mask": func(k *source.Kernel) {
		p := k.PtrArg("p")
		lim := k.IntArg("lim")

		x := k.Int(source.Int(0))

		k.Gather(p.Index(k.Index()))
		k.Receive(x)

		k.Where(x.X().Ge(lim))
		x.Set(lim)
		k.End()

		k.Store(x.X(), p.Index(k.Index()))
	},
}
