package compiler

import (
	"fmt"
	"os"
	"strings"

	"tlog.app/go/errors"
)

type (
	// Data is the per-compile diagnostics record. It is owned by the
	// running compile and inspected afterwards.
	Data struct {
		LivenessDump             string
		TargetCodeBeforeRegAlloc string
		TargetCodeAfterRegAlloc  string
		AllocatedRegistersDump   string
		RegUsageDump             string

		NumAccsIntroduced       int
		NumInstructionsCombined int

		Warnings []string
	}
)

func (d *Data) Clear() {
	*d = Data{}
}

// Dump renders the record: liveness table, allocated registers,
// counters, warnings. The exact lines are not a stable contract.
func (d *Data) Dump(verbose bool) string {
	var b strings.Builder

	b.WriteString("Liveness table\n==============\n")
	b.WriteString(d.LivenessDump)

	b.WriteString("\nAllocated registers\n===================\n")
	b.WriteString(d.AllocatedRegistersDump)

	if verbose {
		b.WriteString("\nRegister usage\n==============\n")
		b.WriteString(d.RegUsageDump)

		b.WriteString("\nTarget code before register allocation\n======================================\n")
		b.WriteString(d.TargetCodeBeforeRegAlloc)

		b.WriteString("\nTarget code after register allocation\n=====================================\n")
		b.WriteString(d.TargetCodeAfterRegAlloc)
	}

	fmt.Fprintf(&b, "\nAccumulators introduced:  %d\n", d.NumAccsIntroduced)
	fmt.Fprintf(&b, "Instructions combined:    %d\n", d.NumInstructionsCombined)

	if len(d.Warnings) != 0 {
		b.WriteString("\nWarnings\n========\n")

		for _, w := range d.Warnings {
			b.WriteString(w)
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// WriteFile dumps the record to a diagnostics file.
func (d *Data) WriteFile(verbose bool, path string) error {
	err := os.WriteFile(path, []byte(d.Dump(verbose)), 0o644)
	if err != nil {
		return errors.Wrap(err, "write compile data")
	}

	return nil
}
