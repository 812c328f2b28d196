package qir

import (
	"tlog.app/go/errors"
)

type (
	// CFG maps each instruction index to its successor set.
	CFG [][]int
)

// BuildCFG computes the successor sets of an instruction list.
// Fall-through successor is i+1 for non-branches; branches add the
// labelled target; END has no successors.
func BuildCFG(instrs List) (CFG, error) {
	l2i := map[Label]int{}

	for i, in := range instrs {
		if in.Tag == LAB {
			l2i[in.Label] = i
		}
	}

	cfg := make(CFG, len(instrs))

	for i, in := range instrs {
		if in.Tag == END {
			continue
		}

		switch in.Tag {
		case BRL:
			t, ok := l2i[in.BRL.Label]
			if !ok {
				return nil, errors.Wrap(ErrUnresolvedLabel, "L%d at %d", in.BRL.Label, i)
			}

			if in.BRL.Cond.IsAlways() {
				cfg[i] = append(cfg[i], t)
				continue
			}

			if i+1 < len(instrs) {
				cfg[i] = append(cfg[i], i+1)
			}

			cfg[i] = append(cfg[i], t)
		default:
			if i+1 < len(instrs) {
				cfg[i] = append(cfg[i], i+1)
			}
		}
	}

	return cfg, nil
}
