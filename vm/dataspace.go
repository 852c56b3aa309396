package vm

import (
	"errors"
	"fmt"
	"slices"
)

// ---------------------------------------------------------------------------
// Dataspace: the persistent state of one object
// ---------------------------------------------------------------------------

var (
	// ErrIndexRange is returned for an array index out of range.
	ErrIndexRange = errors.New("Index out of range")

	// ErrNotMapping is returned when a mapping operation is applied to an
	// array, or the reverse.
	ErrNotMapping = errors.New("Bad argument: not a mapping")

	// ErrBadKey is returned for a nil mapping key.
	ErrBadKey = errors.New("Bad mapping key")
)

// Dataspace holds the variables, arrays, strings and callouts of one object.
// Every change goes through a plane at the level of the call making it; the
// base plane (level 0) is the persistent state.
//
// A dataspace that was swapped out is paged back in section by section:
// variables (with the strings and arrays they reach) and callouts are loaded
// independently on first use.
type Dataspace struct {
	rt  *Runtime
	obj ObjRef

	nvar      int     // declared variables
	variables []Value // nvar+1 slots; the last one is the extra slot

	base  *Dataplane
	plane *Dataplane

	callouts []DCallOut
	cofree   []uint32 // free handles, ascending
	coSerial uint32

	pins int

	img *image // nil for a dataspace that was never saved
}

func newDataspace(rt *Runtime, obj ObjRef, nvar int) *Dataspace {
	d := &Dataspace{rt: rt, obj: obj, nvar: nvar}
	d.base = &Dataplane{data: d}
	d.plane = d.base
	return d
}

// Create makes an empty dataspace for o. All variables are nil.
func (rt *Runtime) Create(o *Object) *Dataspace {
	d := newDataspace(rt, o.ref, o.nvar)
	d.variables = make([]Value, o.nvar+1)
	d.base.flags = ModVariable | ModSave
	o.data = d
	rt.swap.pushFront(o.ref.Index)
	return d
}

// Object returns the reference of the owning object.
func (d *Dataspace) Object() ObjRef { return d.obj }

// Variables returns the number of variables, excluding the extra slot.
func (d *Dataspace) Variables() int { return d.nvar }

// Level returns the level of the current plane.
func (d *Dataspace) Level() int { return d.plane.level }

// Plane returns the current plane.
func (d *Dataspace) Plane() *Dataplane { return d.plane }

// Base returns the base plane.
func (d *Dataspace) Base() *Dataplane { return d.base }

// Ref pins the dataspace in memory.
func (d *Dataspace) Ref() { d.pins++ }

// Deref releases a pin.
func (d *Dataspace) Deref() {
	if d.pins == 0 {
		d.rt.Errors.Terminate("dataspace of object %d unpinned too often", d.obj.Index)
	}
	d.pins--
}

// Pinned reports whether the dataspace is pinned.
func (d *Dataspace) Pinned() bool { return d.pins > 0 }

// touch moves the dataspace to the front of the swap order.
func (d *Dataspace) touch() { d.rt.swap.moveFront(d.obj.Index) }

// changed is called after every change made through plane p.
func (d *Dataspace) changed(p *Dataplane) {
	if p.level == 0 {
		p.flags |= ModSave
		if p.schange > 0 || p.achange > 0 {
			d.rt.gc.pushFront(d.obj.Index)
		}
	}
	d.touch()
}

// fresh returns v, or nil if v refers to an object that no longer exists.
func (d *Dataspace) fresh(v Value) Value {
	if v.Kind == KindObject && !d.rt.Objects.Valid(v.obj) {
		return Nil
	}
	return v
}

func (d *Dataspace) checkVar(i int) {
	if i < 0 || i >= d.nvar {
		d.rt.Errors.Terminate("variable %d out of range for object %d", i, d.obj.Index)
	}
}

// Variable returns variable i. The value is borrowed.
func (d *Dataspace) Variable(i int) Value {
	d.checkVar(i)
	d.loadVars()
	d.touch()
	return d.fresh(d.variables[i])
}

// AssignVar stores v in variable i at level.
func (d *Dataspace) AssignVar(level, i int, v Value) {
	d.checkVar(i)
	d.loadVars()
	d.assignVar(d.planeAt(level), i, v)
}

func (d *Dataspace) assignVar(p *Dataplane, i int, v Value) {
	if p.level > 0 && p.original == nil {
		p.original = cloneValues(d.variables)
	}
	old := d.variables[i]
	d.refRhs(p, v)
	d.delLhs(p, old)
	v.Ref()
	old.Del()
	v.Modified = true
	d.variables[i] = v
	p.flags |= ModVariable
	d.changed(p)
}

// Extra returns the extra slot, a hidden variable kept for the collector.
func (d *Dataspace) Extra() Value {
	d.loadVars()
	return d.fresh(d.variables[d.nvar])
}

// SetExtra stores v in the extra slot at level.
func (d *Dataspace) SetExtra(level int, v Value) {
	d.loadVars()
	d.assignVar(d.planeAt(level), d.nvar, v)
}

// WipeExtra clears the extra slot at level.
func (d *Dataspace) WipeExtra(level int) {
	d.SetExtra(level, Nil)
}

// NewArray creates an unreferenced array.
func (d *Dataspace) NewArray(elts []Value) *Array { return d.rt.Heap.NewArray(elts) }

// NewMapping creates an unreferenced mapping from flattened pairs.
func (d *Dataspace) NewMapping(pairs []Value) *Array { return d.rt.Heap.NewMapping(pairs) }

// Elts returns a copy of arr's elements with references to destructed
// objects read as nil. The values are borrowed.
func (d *Dataspace) Elts(arr *Array) []Value {
	out := slices.Clone(arr.elts)
	for i, v := range out {
		out[i] = d.fresh(v)
	}
	return out
}

// modifyArray prepares arr for a change at level. The change is recorded by
// the dataspace owning the array, which need not be d; unowned arrays are
// changed without any record.
func (d *Dataspace) modifyArray(level int, arr *Array) (*Dataspace, *Dataplane, *ArrRef) {
	owner := arr.Owner()
	if owner == nil {
		return nil, nil, nil
	}
	p := owner.planeAt(level)
	r := p.arrRef(arr)
	if p.level > 0 && !r.backedUp && r.prev != nil {
		r.takeBackup()
	}
	return owner, p, r
}

// AssignElt stores v in element i of arr at level.
func (d *Dataspace) AssignElt(level int, arr *Array, i int, v Value) error {
	if arr.mapping {
		return ErrNotMapping
	}
	if i < 0 || i >= len(arr.elts) {
		return fmt.Errorf("%w: %d", ErrIndexRange, i)
	}
	owner, p, r := d.modifyArray(level, arr)
	old := arr.elts[i]
	if r != nil && r.ref > 0 {
		owner.refRhs(p, v)
		owner.delLhs(p, old)
	}
	v.Ref()
	old.Del()
	v.Modified = true
	arr.elts[i] = v
	if p != nil {
		p.flags |= ModArray
		owner.changed(p)
	}
	return nil
}

// MappingSet stores v under key in mapping m at level. A nil value removes
// the key.
func (d *Dataspace) MappingSet(level int, m *Array, key, v Value) error {
	if !m.mapping {
		return ErrNotMapping
	}
	if key.IsNil() {
		return ErrBadKey
	}
	j := m.find(key)
	if j < 0 && v.IsNil() {
		return nil
	}

	owner, p, r := d.modifyArray(level, m)
	counted := r != nil && r.ref > 0
	switch {
	case j >= 0 && v.IsNil():
		k, old := m.elts[j], m.elts[j+1]
		if counted {
			owner.delLhs(p, k)
			owner.delLhs(p, old)
		}
		m.elts = slices.Delete(m.elts, j, j+2)
		k.Del()
		old.Del()
	case j >= 0:
		old := m.elts[j+1]
		if counted {
			owner.refRhs(p, v)
			owner.delLhs(p, old)
		}
		v.Ref()
		old.Del()
		v.Modified = true
		m.elts[j+1] = v
	default:
		if counted {
			owner.refRhs(p, key)
			owner.refRhs(p, v)
		}
		key.Ref()
		v.Ref()
		v.Modified = true
		m.elts = append(m.elts, key, v)
	}
	if p != nil {
		if j < 0 || v.IsNil() {
			r.state = MapChanged
		}
		p.flags |= ModArray
		owner.changed(p)
	}
	return nil
}

// ChangeMap marks mapping m as changed at level, so that entries naming
// destructed objects are compacted away by the next collection.
func (d *Dataspace) ChangeMap(level int, m *Array) error {
	if !m.mapping {
		return ErrNotMapping
	}
	owner, p, r := d.modifyArray(level, m)
	if r == nil {
		return nil
	}
	r.state = MapChanged
	p.achange++
	p.flags |= ModArray
	owner.changed(p)
	return nil
}
