package liveness

import (
	"github.com/slowlang/qpu/compiler/qir"
	"github.com/slowlang/qpu/compiler/set"
)

type (
	// LiveSets is the interference graph: for each variable, the set
	// of variables it can never share a register with.
	LiveSets []set.Bitmap
)

func NewLiveSets(numVars int) LiveSets {
	return make(LiveSets, numVars)
}

// Init builds interference edges: variables simultaneously live-out of
// an instruction interfere, and a defined variable interferes with
// everything live-out across its definition.
func (ls LiveSets) Init(instrs qir.List, live *Liveness) {
	var liveOut set.Bitmap

	for i := range instrs {
		live.LiveOut(i, &liveOut)

		ud := qir.UseDefVars(instrs[i], false)

		liveOut.Range(func(x int) bool {
			liveOut.Range(func(y int) bool {
				if x != y {
					ls[x].Set(y)
				}

				return true
			})

			for _, d := range ud.Def {
				if int(d) == x {
					continue
				}

				ls[x].Set(int(d))
				ls[d].Set(x)
			}

			return true
		})
	}
}

// PossibleRegisters marks which slots of the given register file are
// still free for the variable, given its neighbours' assignments.
func (ls LiveSets) PossibleRegisters(index int, alloc RegUsage, tag qir.RegTag, numRegs int) []bool {
	possible := make([]bool, numRegs)
	for j := range possible {
		possible[j] = true
	}

	ls[index].Range(func(n int) bool {
		r := alloc[n].Reg

		if r.Tag == tag && int(r.ID) < numRegs {
			possible[r.ID] = false
		}

		return true
	})

	return possible
}

// ChooseRegister picks the first free slot, -1 if none.
func ChooseRegister(possible []bool) qir.RegID {
	for j, ok := range possible {
		if ok {
			return qir.RegID(j)
		}
	}

	return -1
}
