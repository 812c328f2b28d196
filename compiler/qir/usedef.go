package qir

type (
	// UseDefReg holds the registers read and written by one instruction.
	UseDefReg struct {
		Use []Reg
		Def []Reg
	}

	// UseDef restricts UseDefReg to variables: registers tagged RegA
	// before allocation.
	UseDef struct {
		Use []RegID
		Def []RegID
	}
)

// UseDefRegs computes the use and def register sets of an instruction.
// See Instr.SrcRegs for the setUseWhere parameter.
func UseDefRegs(i Instr, setUseWhere bool) UseDefReg {
	var out UseDefReg

	out.Use = i.SrcRegs(setUseWhere)

	if d := i.DstReg(); d.Tag != None {
		out.Def = append(out.Def, d)
	}

	return out
}

// UseDefVars restricts the use/def sets to variable ids.
func UseDefVars(i Instr, setUseWhere bool) UseDef {
	set := UseDefRegs(i, setUseWhere)

	var out UseDef

	for _, r := range set.Use {
		if r.Tag == RegA {
			out.Use = append(out.Use, r.ID)
		}
	}

	for _, r := range set.Def {
		if r.Tag == RegA {
			out.Def = append(out.Def, r.ID)
		}
	}

	return out
}

// RenameDest replaces the destination register from -> to.
func RenameDest(i *Instr, from, to Reg) {
	switch i.Tag {
	case LI:
		if i.LI.Dest == from {
			i.LI.Dest = to
		}
	case ALU:
		if i.ALU.Dest == from {
			i.ALU.Dest = to
		}
	case RECV:
		if i.RECV == from {
			i.RECV = to
		}
	}
}

// RenameUses replaces every source occurrence of from with to.
func RenameUses(i *Instr, from, to Reg) {
	if i.Tag != ALU {
		return
	}

	if i.ALU.SrcA.IsReg() && i.ALU.SrcA.Reg() == from {
		i.ALU.SrcA.SetReg(to)
	}

	if i.ALU.SrcB.IsReg() && i.ALU.SrcB.Reg() == from {
		i.ALU.SrcB.SetReg(to)
	}
}

// SubstRegTag rewrites the tag of every register carrying fromTag.
// Used with TmpA/TmpB for the two-phase rename in register allocation:
// renaming straight to the final file would collide when variable i is
// assigned register i.
func SubstRegTag(i *Instr, fromTag, toTag RegTag) {
	sub := func(r Reg) Reg {
		if r.Tag == fromTag {
			r.Tag = toTag
		}

		return r
	}

	switch i.Tag {
	case LI:
		i.LI.Dest = sub(i.LI.Dest)
	case ALU:
		i.ALU.Dest = sub(i.ALU.Dest)

		if i.ALU.SrcA.IsReg() {
			i.ALU.SrcA.SetReg(sub(i.ALU.SrcA.Reg()))
		}

		if i.ALU.SrcB.IsReg() {
			i.ALU.SrcB.SetReg(sub(i.ALU.SrcB.Reg()))
		}
	case RECV:
		i.RECV = sub(i.RECV)
	}
}
