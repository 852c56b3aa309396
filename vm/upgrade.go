package vm

import (
	"errors"
	"fmt"
)

// NewVar marks a variable in an upgrade map that has no old counterpart; it
// takes its initial value from the template.
const NewVar = -1

var (
	// ErrBadVarMap is returned for a malformed upgrade map.
	ErrBadVarMap = errors.New("bad variable map")

	// ErrUpgradeInFlight is returned when an upgrade would drop or introduce
	// strings or arrays while planes above the base are open.
	ErrUpgradeInFlight = errors.New("upgrade would change shared values in open planes")
)

// Upgrade reshapes the variables after the object's class changed: new
// variable i takes old variable varmap[i], or tmpl[i] when varmap[i] is
// NewVar. Old variables not named in varmap are dropped. The extra slot is
// carried over.
//
// The variable backups of open planes are reshaped the same way, so a later
// discard restores the old values in the new layout. While planes are open
// only scalars may be dropped or introduced.
func (d *Dataspace) Upgrade(nvar int, varmap []int, tmpl []Value) error {
	if len(varmap) != nvar {
		return fmt.Errorf("%w: %d entries for %d variables", ErrBadVarMap, len(varmap), nvar)
	}
	kept := make([]bool, d.nvar)
	for i, src := range varmap {
		switch {
		case src == NewVar:
		case src < 0 || src >= d.nvar:
			return fmt.Errorf("%w: variable %d maps to %d", ErrBadVarMap, i, src)
		case kept[src]:
			return fmt.Errorf("%w: old variable %d mapped twice", ErrBadVarMap, src)
		default:
			kept[src] = true
		}
	}
	initial := func(i int) Value {
		if i < len(tmpl) {
			return tmpl[i]
		}
		return Nil
	}

	d.loadVars()

	if d.plane.level > 0 {
		for i, src := range varmap {
			if src == NewVar && initial(i).Shared() {
				return fmt.Errorf("%w: new variable %d", ErrUpgradeInFlight, i)
			}
		}
		states := [][]Value{d.variables}
		for p := d.plane; p != nil; p = p.prev {
			if p.original != nil {
				states = append(states, p.original)
			}
		}
		for _, vals := range states {
			for j, keep := range kept {
				if !keep && vals[j].Shared() {
					return fmt.Errorf("%w: dropped variable %d", ErrUpgradeInFlight, j)
				}
			}
		}
	}

	remap := func(old []Value) []Value {
		vars := make([]Value, nvar+1)
		for i, src := range varmap {
			if src == NewVar {
				v := initial(i)
				v.Ref()
				v.Modified = true
				vars[i] = v
			} else {
				vars[i] = old[src]
			}
		}
		vars[nvar] = old[d.nvar]
		for j, keep := range kept {
			if !keep {
				old[j].Del()
			}
		}
		return vars
	}

	base := d.base
	if d.plane.level == 0 {
		for i, src := range varmap {
			if src == NewVar {
				d.refRhs(base, initial(i))
			}
		}
		for j, keep := range kept {
			if !keep {
				d.delLhs(base, d.variables[j])
			}
		}
	}
	d.variables = remap(d.variables)
	for p := d.plane; p != nil; p = p.prev {
		if p.original != nil {
			p.original = remap(p.original)
		}
	}

	log.Infof("upgraded object %d from %d to %d variables", d.obj.Index, d.nvar, nvar)
	d.nvar = nvar
	if o := d.rt.Objects.Lookup(d.obj.Index); o != nil {
		o.nvar = nvar
	}
	base.flags |= ModVariable
	d.changed(base)
	return nil
}
