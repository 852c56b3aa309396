package vm

// ---------------------------------------------------------------------------
// Imported arrays and the collection list
// ---------------------------------------------------------------------------

// foreign reports whether v is an array d does not own. An imported array
// its owner dropped before the export has no owner and is foreign too.
func (d *Dataspace) foreign(v Value) bool {
	if v.Kind != KindArray && v.Kind != KindMapping {
		return false
	}
	return v.arr.Owner() != d
}

// localCopy copies a foreign array. Arrays it holds that belong to other
// dataspaces are copied too; memo keeps shared and cyclic structure intact.
func (d *Dataspace) localCopy(arr *Array, memo map[*Array]*Array) *Array {
	if c, ok := memo[arr]; ok {
		return c
	}
	c := d.rt.Heap.NewArray(nil)
	c.mapping = arr.mapping
	memo[arr] = c
	c.elts = make([]Value, len(arr.elts))
	for i, e := range arr.elts {
		if d.foreign(e) {
			e = Value{Kind: e.Kind, arr: d.localCopy(e.arr, memo)}
		}
		e.Ref()
		c.elts[i] = e
	}
	return c
}

// xport replaces every reference d holds to another dataspace's array with
// a reference to a local copy.
func (d *Dataspace) xport() {
	base := d.base
	memo := make(map[*Array]*Array)
	replace := func(vals []Value) {
		for i, v := range vals {
			if !d.foreign(v) {
				continue
			}
			nv := Value{Kind: v.Kind, Modified: true, arr: d.localCopy(v.arr, memo)}
			d.refRhs(base, nv)
			if v.arr.Owner() == nil {
				base.imports--
				base.achange++
			} else {
				d.delLhs(base, v)
			}
			nv.Ref()
			v.Del()
			vals[i] = nv
		}
	}

	d.loadAll()
	owned := make([]*Array, 0, len(base.arrays))
	for arr := range base.arrays {
		owned = append(owned, arr)
	}
	replace(d.variables)
	for _, arr := range owned {
		replace(arr.elts)
	}
	for i := range d.callouts {
		replace(d.callouts[i].Val[:])
	}
	if len(memo) > 0 {
		log.Debugf("object %d: copied %d imported arrays", d.obj.Index, len(memo))
		d.changed(base)
	}
}

// Xport gives every dataspace on the import list local copies of the arrays
// it imported. It runs after each top-level commit, so no array is shared
// between persistent dataspaces.
func (rt *Runtime) Xport() {
	for _, idx := range rt.imports.Members() {
		o := rt.Objects.Lookup(idx)
		if o == nil || o.data == nil {
			rt.imports.remove(idx)
			continue
		}
		if o.data.plane.level != 0 {
			continue
		}
		o.data.xport()
		rt.imports.remove(idx)
	}
}

// holds reports whether d holds arr directly.
func (d *Dataspace) holds(arr *Array) bool {
	in := func(vals []Value) bool {
		for _, v := range vals {
			if (v.Kind == KindArray || v.Kind == KindMapping) && v.arr == arr {
				return true
			}
		}
		return false
	}
	if in(d.variables) {
		return true
	}
	for a := range d.base.arrays {
		if in(a.elts) {
			return true
		}
	}
	for i := range d.callouts {
		if in(d.callouts[i].Val[:]) {
			return true
		}
	}
	return false
}

// RefImports marks every dataspace importing arr for saving and returns how
// many there are.
func (rt *Runtime) RefImports(arr *Array) int {
	n := 0
	for _, idx := range rt.imports.Members() {
		o := rt.Objects.Lookup(idx)
		if o == nil || o.data == nil || !o.data.holds(arr) {
			continue
		}
		o.data.base.flags |= ModSave
		n++
	}
	return n
}

// Importers returns the objects on the import list.
func (rt *Runtime) Importers() []ObjRef {
	return rt.refs(rt.imports.Members())
}

func (rt *Runtime) refs(idx []uint32) []ObjRef {
	out := make([]ObjRef, 0, len(idx))
	for _, i := range idx {
		out = append(out, ObjRef{Index: i, Count: rt.Objects.Count(i)})
	}
	return out
}

// GCFirst returns the first dataspace waiting for collection.
func (rt *Runtime) GCFirst() (ObjRef, bool) {
	i, ok := rt.gc.First()
	return ObjRef{Index: i, Count: rt.Objects.Count(i)}, ok
}

// GCNext returns the dataspace after ref on the collection list.
func (rt *Runtime) GCNext(ref ObjRef) (ObjRef, bool) {
	i, ok := rt.gc.Next(ref.Index)
	return ObjRef{Index: i, Count: rt.Objects.Count(i)}, ok
}

// GCPrev returns the dataspace before ref on the collection list.
func (rt *Runtime) GCPrev(ref ObjRef) (ObjRef, bool) {
	i, ok := rt.gc.Prev(ref.Index)
	return ObjRef{Index: i, Count: rt.Objects.Count(i)}, ok
}

// Collect compacts the changed mappings of every dataspace on the collection
// list, dropping entries whose key or value names a destructed object, and
// empties the list. It returns the number of entries dropped.
func (rt *Runtime) Collect() int {
	dropped := 0
	for _, idx := range rt.gc.Members() {
		o := rt.Objects.Lookup(idx)
		if o == nil || o.data == nil {
			rt.gc.remove(idx)
			continue
		}
		d := o.data
		if d.plane.level != 0 {
			continue
		}
		dropped += d.compact()
		d.base.schange, d.base.achange = 0, 0
		rt.gc.remove(idx)
	}
	if dropped > 0 {
		log.Debugf("collection dropped %d mapping entries", dropped)
	}
	return dropped
}

func (d *Dataspace) compact() int {
	base := d.base
	stale := func(v Value) bool {
		return v.Kind == KindObject && !d.rt.Objects.Valid(v.obj)
	}
	dropped := 0
	for arr, r := range base.arrays {
		if !arr.mapping || r.state != MapChanged {
			continue
		}
		elts := arr.elts[:0]
		for i := 0; i+1 < len(arr.elts); i += 2 {
			k, v := arr.elts[i], arr.elts[i+1]
			if !stale(k) && !stale(v) {
				elts = append(elts, k, v)
				continue
			}
			d.delLhs(base, k)
			d.delLhs(base, v)
			k.Del()
			v.Del()
			dropped++
		}
		clear(arr.elts[len(elts):])
		arr.elts = elts
		r.state = MapUnchanged
	}
	if dropped > 0 {
		d.changed(base)
	}
	return dropped
}
