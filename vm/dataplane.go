package vm

// ---------------------------------------------------------------------------
// Dataplane: one transactional layer per call level
// ---------------------------------------------------------------------------

// Dataplane holds what a dataspace changed at one call level: the variable
// backup, the array ownership records with their element backups, string
// counts, and the callout patches. Planes of a dataspace form a stack with
// strictly increasing levels on top of the base plane (level 0). All planes
// of all dataspaces are also threaded on the runtime's plane list, deepest
// level first, so a level can be committed or discarded as a whole.
type Dataplane struct {
	level int
	flags PlaneFlags

	schange int // string changes
	achange int // array changes
	imports int // references to arrays owned by other dataspaces

	original []Value // variables as they were before this plane
	arrays   map[*Array]*ArrRef
	strings  map[*String]*StrRef
	coptab   *coPatchTable

	data  *Dataspace
	prev  *Dataplane // next lower plane of the same dataspace
	plist *Dataplane // next plane in the runtime's plane list
}

// Level returns the plane level.
func (p *Dataplane) Level() int { return p.level }

// Flags returns the modification flags.
func (p *Dataplane) Flags() PlaneFlags { return p.flags }

// Imports returns the number of references to foreign arrays.
func (p *Dataplane) Imports() int { return p.imports }

// Changes returns the string and array change counters.
func (p *Dataplane) Changes() (strings, arrays int) { return p.schange, p.achange }

// HasBackup reports whether the plane backed up the variable table.
func (p *Dataplane) HasBackup() bool { return p.original != nil }

// newPlane opens a plane at level on top of d's current plane.
func (rt *Runtime) newPlane(d *Dataspace, level int) *Dataplane {
	if rt.plist != nil && rt.plist.level > level {
		rt.Errors.Terminate("new plane at level %d below open level %d", level, rt.plist.level)
	}
	p := &Dataplane{
		level:   level,
		flags:   d.plane.flags &^ PlaneMerge,
		schange: d.plane.schange,
		achange: d.plane.achange,
		imports: d.plane.imports,
		data:    d,
		prev:    d.plane,
		plist:   rt.plist,
	}
	d.plane = p
	rt.plist = p
	return p
}

// planeAt returns d's plane for level, opening it if the dataspace has not
// been changed at that level yet.
func (d *Dataspace) planeAt(level int) *Dataplane {
	switch {
	case d.plane.level < level:
		return d.rt.newPlane(d, level)
	case d.plane.level > level:
		d.rt.Errors.Terminate("dataspace of object %d is at level %d, above level %d",
			d.obj.Index, d.plane.level, level)
	}
	return d.plane
}

// Level returns the deepest open plane level.
func (rt *Runtime) Level() int {
	if rt.plist == nil {
		return 0
	}
	return rt.plist.level
}

// Commit folds every plane at level into the level below. A plane whose
// dataspace already has a plane one level down is merged into it; otherwise
// it simply takes over the lower level. Committing into level 0 makes the
// changes persistent and hands callout changes to the scheduler.
//
// retval is the value the committed call returns. Ownership records travel
// with their plane, so the arrays it holds need no relocation; they are
// checked against the level they are handed down to.
func (rt *Runtime) Commit(level int, retval Value) {
	if level <= 0 {
		rt.Errors.Terminate("commit of base plane")
	}
	if rt.plist != nil && rt.plist.level > level {
		rt.Errors.Terminate("commit of level %d with level %d open", level, rt.plist.level)
	}

	var relabeled []*Dataplane
	for rt.plist != nil && rt.plist.level == level {
		p := rt.plist
		rt.plist = p.plist
		p.plist = nil
		if p.prev.level != level-1 {
			p.level = level - 1
			relabeled = append(relabeled, p)
			continue
		}
		p.flags |= PlaneMerge
		rt.mergePlane(p)
	}

	for i := len(relabeled) - 1; i >= 0; i-- {
		relabeled[i].plist = rt.plist
		rt.plist = relabeled[i]
	}

	rt.checkReturned(retval, level-1, make(map[*Array]bool))
}

// checkReturned verifies that no array reachable from v is recorded above
// level.
func (rt *Runtime) checkReturned(v Value, level int, seen map[*Array]bool) {
	if v.Kind != KindArray && v.Kind != KindMapping {
		return
	}
	arr := v.arr
	if seen[arr] {
		return
	}
	seen[arr] = true
	if r := arr.primary; r != nil && r.plane.level > level {
		rt.Errors.Terminate("returned array recorded at level %d after commit to level %d",
			r.plane.level, level)
	}
	for _, e := range arr.elts {
		rt.checkReturned(e, level, seen)
	}
}

// mergePlane folds p into the plane below it, which is at level-1.
func (rt *Runtime) mergePlane(p *Dataplane) {
	d := p.data
	q := p.prev

	if p.original != nil {
		if q.level == 0 || q.original != nil {
			delValues(p.original)
		} else {
			q.original = p.original
		}
		p.original = nil
	}

	if p.coptab != nil {
		d.commitCallouts(p, q)
	}

	for _, r := range p.arrays {
		mergeArrRef(r, q)
	}

	for s, r := range p.strings {
		if q.level == 0 && r.ref == 0 {
			delete(q.strings, s)
			continue
		}
		r.plane = q
		if q.strings == nil {
			q.strings = make(map[*String]*StrRef)
		}
		q.strings[s] = r
	}

	q.flags = p.flags&ModAll | ModSave
	q.schange = p.schange
	q.achange = p.achange
	q.imports = p.imports
	d.plane = q

	if q.level == 0 {
		if q.schange > 0 || q.achange > 0 {
			rt.gc.pushFront(d.obj.Index)
		}
		rt.swap.moveFront(d.obj.Index)
	}
}

// mergeArrRef moves an ownership record into plane q.
func mergeArrRef(r *ArrRef, q *Dataplane) {
	arr := r.arr
	if old := r.prev; old != nil && old.plane == q {
		old.ref = r.ref
		old.state = r.state
		if r.backedUp {
			if q.level == 0 || old.backedUp {
				r.dropBackup()
			} else {
				old.backup, old.backedUp = r.backup, true
				r.backup, r.backedUp = nil, false
			}
		}
		if arr.primary == r {
			arr.primary = old
		}
		r = old
	} else {
		r.plane = q
		if q.level == 0 {
			r.dropBackup()
		}
		if q.arrays == nil {
			q.arrays = make(map[*Array]*ArrRef)
		}
		q.arrays[arr] = r
	}

	if q.level == 0 && r.ref == 0 {
		// no longer held by the dataspace
		delete(q.arrays, arr)
		if arr.primary == r {
			arr.primary = nil
		}
	}
}

// Discard reverts every plane at level: variables, array elements, ownership
// records and callouts return to their state before the level was entered.
func (rt *Runtime) Discard(level int) {
	if level <= 0 {
		rt.Errors.Terminate("discard of base plane")
	}
	if rt.plist != nil && rt.plist.level > level {
		rt.Errors.Terminate("discard of level %d with level %d open", level, rt.plist.level)
	}
	for rt.plist != nil && rt.plist.level == level {
		p := rt.plist
		rt.plist = p.plist
		p.plist = nil
		rt.discardPlane(p)
	}
}

// DiscardAbove discards every plane above level, deepest first.
func (rt *Runtime) DiscardAbove(level int) {
	for rt.plist != nil && rt.plist.level > level {
		rt.Discard(rt.plist.level)
	}
}

func (rt *Runtime) discardPlane(p *Dataplane) {
	d := p.data

	if p.original != nil {
		current := d.variables
		d.variables = p.original
		p.original = nil
		delValues(current)
	}

	if p.coptab != nil {
		d.discardCallouts(p)
	}

	for arr, r := range p.arrays {
		r.restoreBackup()
		if arr.primary == r {
			arr.primary = r.prev
		}
	}
	p.arrays = nil
	p.strings = nil

	d.plane = p.prev
}
