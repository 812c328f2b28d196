package qir

type (
	// Fresh hands out variable ids and labels for one compile.
	// It is part of the compile context: counters are never global,
	// so concurrent compiles don't interfere.
	Fresh struct {
		vars   int
		labels int
	}
)

func (f *Fresh) Var() Reg {
	id := RegID(f.vars)
	f.vars++

	return Var(id)
}

func (f *Fresh) Label() Label {
	l := Label(f.labels)
	f.labels++

	return l
}

func (f *Fresh) VarCount() int   { return f.vars }
func (f *Fresh) LabelCount() int { return f.labels }
