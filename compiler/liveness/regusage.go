package liveness

import (
	"fmt"
	"strings"

	"tlog.app/go/errors"

	"github.com/slowlang/qpu/compiler/qir"
)

type (
	// UsageItem tracks where one variable is defined, used and live,
	// and the register it ends up in.
	UsageItem struct {
		Reg qir.Reg

		DstFirst int
		SrcFirst int
		DstUse   int
		SrcUse   int

		LiveFirst int
		LiveLast  int
		LiveCount int
	}

	// RegUsage is the per-variable usage table, indexed by variable id.
	RegUsage []UsageItem
)

func NewRegUsage(numVars int) RegUsage {
	ru := make(RegUsage, numVars)

	for i := range ru {
		ru[i].Reg = qir.NoneR
		ru[i].DstFirst = -1
		ru[i].SrcFirst = -1
		ru[i].LiveFirst = -1
		ru[i].LiveLast = -1
	}

	return ru
}

func (u *UsageItem) Unused() bool        { return u.DstUse == 0 && u.SrcUse == 0 }
func (u *UsageItem) OnlyAssigned() bool  { return u.DstUse > 0 && u.SrcUse == 0 }
func (u *UsageItem) NeverAssigned() bool { return u.DstUse == 0 && u.SrcUse > 0 }

func (u *UsageItem) addLive(n int) {
	if u.LiveFirst == -1 || u.LiveFirst > n {
		u.LiveFirst = n
	}

	if u.LiveLast == -1 || u.LiveLast < n {
		u.LiveLast = n
	}

	u.LiveCount++
}

// SetUsed records definition and use positions from the instructions.
func (ru RegUsage) SetUsed(instrs qir.List) {
	for i, in := range instrs {
		ud := qir.UseDefVars(in, false)

		for _, d := range ud.Def {
			u := &ru[d]
			u.DstUse++

			if u.DstFirst == -1 || u.DstFirst > i {
				u.DstFirst = i
			}
		}

		for _, s := range ud.Use {
			u := &ru[s]
			u.SrcUse++

			if u.SrcFirst == -1 || u.SrcFirst > i {
				u.SrcFirst = i
			}
		}
	}
}

// SetLive records the live range bounds from the liveness table.
func (ru RegUsage) SetLive(l *Liveness) {
	for i := 0; i < l.Size(); i++ {
		l.LiveIn(i).Range(func(v int) bool {
			ru[v].addLive(i)
			return true
		})
	}
}

// Check validates the table: a variable used but never assigned is a
// hard error, one assigned but never used only warrants a warning.
func (ru RegUsage) Check(target qir.Target) (warnings []string, err error) {
	prefix := fmt.Sprintf("reg usage %v: ", target)

	if l := ru.onlyAssignedList(); l != "" {
		warnings = append(warnings, prefix+"variables assigned but never used: "+l)
	}

	if l := ru.neverAssignedList(); l != "" {
		return warnings, errors.Wrap(qir.ErrInvariantViolation,
			"%svariables used but never assigned: %v", prefix, l)
	}

	return warnings, nil
}

func (ru RegUsage) unusedList() string {
	return ru.list(func(u *UsageItem) bool { return u.Unused() })
}

func (ru RegUsage) onlyAssignedList() string {
	return ru.list(func(u *UsageItem) bool { return u.OnlyAssigned() })
}

func (ru RegUsage) neverAssignedList() string {
	return ru.list(func(u *UsageItem) bool { return u.NeverAssigned() })
}

func (ru RegUsage) list(pred func(*UsageItem) bool) string {
	var b strings.Builder

	for i := range ru {
		if !pred(&ru[i]) {
			continue
		}

		if b.Len() != 0 {
			b.WriteByte(',')
		}

		fmt.Fprintf(&b, "%d", i)
	}

	return b.String()
}

// AllocatedRegistersDump is the "var: reg" table for diagnostics.
func (ru RegUsage) AllocatedRegistersDump() string {
	var b strings.Builder

	for i := range ru {
		fmt.Fprintf(&b, "%d: %v\n", i, ru[i].Reg)
	}

	return b.String()
}

func (u *UsageItem) dump() string {
	if u.Unused() {
		return u.Reg.String() + "; not used"
	}

	return fmt.Sprintf("%v; use(dst_first, src_first, dst_count, src_count): (%d, %d, %d, %d); live(first, last, count): (%d, %d, %d)",
		u.Reg, u.DstFirst, u.SrcFirst, u.DstUse, u.SrcUse,
		u.LiveFirst, u.LiveLast, u.LiveCount)
}

func (ru RegUsage) Dump(verbose bool) string {
	if !verbose {
		return ru.AllocatedRegistersDump()
	}

	var b strings.Builder

	for i := range ru {
		if ru[i].Unused() {
			continue
		}

		fmt.Fprintf(&b, "%d: %s\n", i, ru[i].dump())
	}

	if l := ru.unusedList(); l != "" {
		fmt.Fprintf(&b, "\nNot used: %s\n", l)
	}

	if l := ru.onlyAssignedList(); l != "" {
		fmt.Fprintf(&b, "\nOnly assigned: %s\n", l)
	}

	if l := ru.neverAssignedList(); l != "" {
		fmt.Fprintf(&b, "\nNever assigned: %s\n", l)
	}

	return b.String()
}
