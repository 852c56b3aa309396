package vm

// MapState tracks whether a mapping's layout changed since it was last
// saved.
type MapState uint8

const (
	MapUnchanged MapState = iota
	MapChanged
)

// StrRef counts the references a dataspace holds to a string, as of one
// plane.
type StrRef struct {
	str   *String
	data  *Dataspace
	plane *Dataplane
	ref   uint32
}

// Ref returns the dataspace-local reference count.
func (r *StrRef) Ref() uint32 { return r.ref }

// ArrRef is the ownership record of an array in one plane of its owning
// dataspace: the dataspace-local reference count, the mapping state, and the
// element backup taken on the first change at that plane.
type ArrRef struct {
	arr   *Array
	data  *Dataspace
	plane *Dataplane
	state MapState
	ref   uint32

	backup   []Value
	backedUp bool

	// prev is the record this one shadows in a lower plane, nil when the
	// array entered the dataspace at this plane.
	prev *ArrRef
}

// Ref returns the dataspace-local reference count.
func (r *ArrRef) Ref() uint32 { return r.ref }

// State returns the mapping state.
func (r *ArrRef) State() MapState { return r.state }

// Level returns the level of the plane holding the record.
func (r *ArrRef) Level() int { return r.plane.level }

// takeBackup saves the array's elements. The record holds a reference on
// the array itself until the backup is restored or dropped.
func (r *ArrRef) takeBackup() {
	r.backup = cloneValues(r.arr.elts)
	r.backedUp = true
	r.arr.ref()
}

// dropBackup releases a backup that is no longer needed.
func (r *ArrRef) dropBackup() {
	if !r.backedUp {
		return
	}
	backup := r.backup
	r.backup, r.backedUp = nil, false
	delValues(backup)
	r.arr.del()
}

// restoreBackup puts the saved elements back.
func (r *ArrRef) restoreBackup() {
	if !r.backedUp {
		return
	}
	current := r.arr.elts
	r.arr.elts = r.backup
	r.backup, r.backedUp = nil, false
	delValues(current)
	r.arr.del()
}

// strRef returns the plane's record for s, copying the count from the
// nearest lower plane on first use.
func (p *Dataplane) strRef(s *String) *StrRef {
	if r, ok := p.strings[s]; ok {
		return r
	}
	r := &StrRef{str: s, data: p.data, plane: p}
	for q := p.prev; q != nil; q = q.prev {
		if old, ok := q.strings[s]; ok {
			r.ref = old.ref
			break
		}
	}
	if p.strings == nil {
		p.strings = make(map[*String]*StrRef)
	}
	p.strings[s] = r
	return r
}

// arrRef returns the plane's record for an array owned by the plane's
// dataspace, shadowing the array's primary record on first use. An array
// without an owner is adopted.
func (p *Dataplane) arrRef(arr *Array) *ArrRef {
	if r, ok := p.arrays[arr]; ok {
		return r
	}
	r := &ArrRef{arr: arr, data: p.data, plane: p}
	if prev := arr.primary; prev != nil {
		if prev.data != p.data {
			p.data.rt.Errors.Terminate("array record requested by a dataspace that does not own it")
		}
		if prev.plane.level > p.level {
			p.data.rt.Errors.Terminate("array record above the current plane")
		}
		r.ref = prev.ref
		r.state = prev.state
		r.prev = prev
	}
	arr.primary = r
	if p.arrays == nil {
		p.arrays = make(map[*Array]*ArrRef)
	}
	p.arrays[arr] = r
	return r
}

// LocalRefs returns the number of references the dataspace holds to the
// shared storage of v as of its current plane, or 0 for scalars and for
// arrays owned elsewhere.
func (d *Dataspace) LocalRefs(v Value) uint32 {
	switch v.Kind {
	case KindString:
		for q := d.plane; q != nil; q = q.prev {
			if r, ok := q.strings[v.str]; ok {
				return r.ref
			}
		}
	case KindArray, KindMapping:
		if r := v.arr.primary; r != nil && r.data == d {
			return r.ref
		}
	}
	return 0
}

// refRhs accounts for v being stored into the dataspace at plane p.
func (d *Dataspace) refRhs(p *Dataplane, v Value) {
	switch v.Kind {
	case KindString:
		r := p.strRef(v.str)
		r.ref++
		if r.ref == 1 {
			p.schange++
		}
		p.flags |= ModStringRef

	case KindArray, KindMapping:
		arr := v.arr
		if owner := arr.Owner(); owner != nil && owner != d {
			// imported from another dataspace
			p.imports++
			p.achange++
			d.rt.imports.pushFront(d.obj.Index)
			return
		}
		r := p.arrRef(arr)
		r.ref++
		p.flags |= ModArrayRef
		if r.ref == 1 {
			// the array (re)enters the dataspace; so does its contents
			p.achange++
			for _, e := range arr.elts {
				d.refRhs(p, e)
			}
		}
	}
}

// delLhs accounts for v being removed from the dataspace at plane p.
func (d *Dataspace) delLhs(p *Dataplane, v Value) {
	switch v.Kind {
	case KindString:
		r := p.strRef(v.str)
		if r.ref == 0 {
			d.rt.Errors.Terminate("string reference count underflow")
		}
		r.ref--
		if r.ref == 0 {
			p.schange++
			if p.level == 0 {
				delete(p.strings, v.str)
			}
		}
		p.flags |= ModStringRef

	case KindArray, KindMapping:
		arr := v.arr
		owner := arr.Owner()
		if owner == nil {
			return
		}
		if owner != d {
			p.imports--
			p.achange++
			return
		}
		r := p.arrRef(arr)
		if r.ref == 0 {
			d.rt.Errors.Terminate("array reference count underflow")
		}
		r.ref--
		p.flags |= ModArrayRef
		if r.ref == 0 {
			p.achange++
			for _, e := range arr.elts {
				d.delLhs(p, e)
			}
			if p.level == 0 && r.ref == 0 {
				delete(p.arrays, arr)
				if arr.primary == r {
					arr.primary = nil
				}
			}
		}
	}
}
