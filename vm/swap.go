package vm

import (
	"fmt"

	"github.com/chazu/strata/vm/sector"
	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Swapping
// ---------------------------------------------------------------------------

// image tracks the paging in of a saved dataspace.
type image struct {
	sectors []sector.Sector
	read    sector.ReadFunc
	hdr     header

	counttab []uint32

	strtab []*String
	arrtab []*Array

	tables   bool // strings and arrays
	vars     bool
	callouts bool
}

func (img *image) section(i int) ([]byte, error) {
	s := img.hdr.Sections[i]
	if s.Len == 0 {
		return nil, nil
	}
	buf := make([]byte, s.Len)
	if err := img.read(buf, img.sectors, s.Offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func readHeader(read sector.ReadFunc, sectors []sector.Sector) (header, error) {
	buf := make([]byte, headerSize)
	if err := read(buf, sectors, 0); err != nil {
		return header{}, err
	}
	return decodeHeader(buf)
}

// Load pages in the header of o's saved image. Variables, strings, arrays and
// callouts follow on first use, each through read.
func (rt *Runtime) Load(o *Object, read sector.ReadFunc) *Dataspace {
	return rt.RestoreDataspace(o, nil, read)
}

// RestoreDataspace is Load for an image saved before the object table was
// renumbered: object references are remapped through counttab as values
// are paged in.
func (rt *Runtime) RestoreDataspace(o *Object, counttab []uint32, read sector.ReadFunc) *Dataspace {
	hdr, err := readHeader(read, o.sectors)
	if err != nil {
		rt.Errors.Terminate("load object %d: %v", o.ref.Index, err)
	}
	if int(hdr.NVar) != o.nvar {
		rt.Errors.Terminate("load object %d: image has %d variables, object %d",
			o.ref.Index, hdr.NVar, o.nvar)
	}
	d := newDataspace(rt, o.ref, o.nvar)
	d.img = &image{sectors: o.sectors, read: read, hdr: hdr, counttab: counttab}
	o.data = d
	rt.swap.pushFront(o.ref.Index)
	swapLog.Debugf("loaded header of object %d (%d sectors)", o.ref.Index, len(o.sectors))
	return d
}

func (d *Dataspace) loadFailed(what string, err error) {
	d.rt.Errors.Terminate("load %s of object %d: %v", what, d.obj.Index, err)
}

// loadTables pages in the strings and arrays. Each gets the reference count
// it was saved with, in the heap and in the base plane.
func (d *Dataspace) loadTables() {
	img := d.img
	if img == nil || img.tables {
		return
	}
	img.tables = true
	heap := d.rt.Heap

	if buf, err := img.section(secStrings); err != nil {
		d.loadFailed("strings", err)
	} else if buf != nil {
		var strs []sString
		if err := cbor.Unmarshal(buf, &strs); err != nil {
			d.loadFailed("strings", err)
		}
		img.strtab = make([]*String, len(strs))
		d.base.strings = make(map[*String]*StrRef, len(strs))
		for i, s := range strs {
			str := heap.loadString(s.Text, s.Ref)
			img.strtab[i] = str
			d.base.strings[str] = &StrRef{str: str, data: d, plane: d.base, ref: s.Ref}
		}
	}

	buf, err := img.section(secArrays)
	if err != nil {
		d.loadFailed("arrays", err)
	}
	if buf == nil {
		return
	}
	var arrs []sArray
	if err := cbor.Unmarshal(buf, &arrs); err != nil {
		d.loadFailed("arrays", err)
	}
	img.arrtab = make([]*Array, len(arrs))
	d.base.arrays = make(map[*Array]*ArrRef, len(arrs))
	for i, a := range arrs {
		arr := heap.loadArray(a.Mapping, a.Ref)
		r := &ArrRef{arr: arr, data: d, plane: d.base, ref: a.Ref}
		arr.primary = r
		img.arrtab[i] = arr
		d.base.arrays[arr] = r
	}
	for i, a := range arrs {
		elts, err := d.decodeValues(a.Elts)
		if err != nil {
			d.loadFailed("arrays", err)
		}
		img.arrtab[i].elts = elts
	}
}

// loadVars pages in the variables.
func (d *Dataspace) loadVars() {
	img := d.img
	if img == nil || img.vars {
		return
	}
	d.loadTables()
	img.vars = true
	buf, err := img.section(secVariables)
	if err != nil {
		d.loadFailed("variables", err)
	}
	var svs []sValue
	if err := cbor.Unmarshal(buf, &svs); err != nil {
		d.loadFailed("variables", err)
	}
	if len(svs) != d.nvar+1 {
		d.loadFailed("variables", fmt.Errorf("%w: %d variables", errBadImage, len(svs)))
	}
	if d.variables, err = d.decodeValues(svs); err != nil {
		d.loadFailed("variables", err)
	}
	d.loaded()
}

// loadCallouts pages in the callout table.
func (d *Dataspace) loadCallouts() {
	img := d.img
	if img == nil || img.callouts {
		return
	}
	d.loadTables()
	img.callouts = true
	co, err := img.readCallouts()
	if err != nil {
		d.loadFailed("callouts", err)
	}
	d.callouts = make([]DCallOut, co.Size)
	d.coSerial = co.Serial
	for _, s := range co.Slots {
		if s.Handle == 0 || s.Handle > co.Size || len(s.Vals) != len(DCallOut{}.Val) {
			d.loadFailed("callouts", fmt.Errorf("%w: callout %d", errBadImage, s.Handle))
		}
		c := &d.callouts[s.Handle-1]
		c.Time, c.MTime, c.NArgs, c.serial = s.Time, s.MTime, s.NArgs, s.Serial
		for i, sv := range s.Vals {
			if c.Val[i], err = d.decodeValue(sv); err != nil {
				d.loadFailed("callouts", err)
			}
		}
	}
	d.rebuildFree()
	d.loaded()
}

func (img *image) readCallouts() (sCallouts, error) {
	var co sCallouts
	buf, err := img.section(secCallouts)
	if err != nil || buf == nil {
		return co, err
	}
	err = cbor.Unmarshal(buf, &co)
	return co, err
}

// loaded drops the image once every section is in memory.
func (d *Dataspace) loaded() {
	if d.img.vars && d.img.callouts {
		d.img = nil
	}
}

// loadAll pages in whatever is still on disk.
func (d *Dataspace) loadAll() {
	d.loadVars()
	d.loadCallouts()
}

// Resident reports which parts of the dataspace are in memory.
func (d *Dataspace) Resident() (vars, callouts bool) {
	if d.img == nil {
		return true, true
	}
	return d.img.vars, d.img.callouts
}

// save writes the dataspace image and frees the previous one.
func (rt *Runtime) save(o *Object) []sector.Sector {
	d := o.data
	d.loadAll()
	data, err := d.encode()
	if err != nil {
		rt.Errors.Terminate("save object %d: %v", o.ref.Index, err)
	}
	sectors, err := rt.store.Write(data)
	if err != nil {
		rt.Errors.Terminate("save object %d: %v", o.ref.Index, err)
	}
	if len(o.sectors) > 0 {
		if err := rt.store.Free(o.sectors); err != nil {
			rt.Errors.Terminate("save object %d: %v", o.ref.Index, err)
		}
	}
	o.sectors = sectors
	o.counttab = nil

	for i := range d.variables {
		d.variables[i].Modified = false
	}
	for _, r := range d.base.arrays {
		r.state = MapUnchanged
	}
	d.base.flags &^= ModAll | ModSave
	swapLog.Debugf("saved object %d: %d bytes in %d sectors", o.ref.Index, len(data), len(sectors))
	return sectors
}

// evict drops the dataspace from memory. Every reference it holds is
// released, so storage shared with nothing else is released with it.
func (rt *Runtime) evict(o *Object) {
	d := o.data
	if d.img != nil && (d.img.vars || d.img.callouts) {
		// paged-in storage counts the holders still on disk
		d.loadAll()
	}
	for _, r := range d.base.arrays {
		if r.arr.primary == r {
			r.arr.primary = nil
		}
	}
	vars := d.variables
	d.variables = nil
	delValues(vars)
	for i := range d.callouts {
		delValues(d.callouts[i].Val[:])
	}
	d.callouts = nil
	d.cofree = nil
	d.base.arrays = nil
	d.base.strings = nil

	rt.swap.remove(o.ref.Index)
	rt.gc.remove(o.ref.Index)
	rt.imports.remove(o.ref.Index)
	o.data = nil
}

// Swapout saves and evicts the least recently used dataspaces. Each call
// handles one frag'th of the dataspaces in memory, rounded up, or all of them
// when frag is 0; pinned dataspaces and those with open planes are skipped.
// It returns the sectors written.
func (rt *Runtime) Swapout(frag int) []sector.Sector {
	n := rt.swap.Len()
	count := n
	if frag > 0 {
		count = (n + frag - 1) / frag
	}

	var written []sector.Sector
	evicted := 0
	i, ok := rt.swap.Last()
	for ok && count > 0 {
		prev, more := rt.swap.Prev(i)
		o := rt.Objects.Lookup(i)
		if d := o.data; !d.Pinned() && d.plane.level == 0 {
			if d.base.flags.Has(ModSave) {
				written = append(written, rt.save(o)...)
			}
			rt.evict(o)
			evicted++
			count--
		}
		i, ok = prev, more
	}
	if evicted > 0 {
		swapLog.Infof("swapped out %d of %d dataspaces, %d sectors written", evicted, n, len(written))
	}
	return written
}

// Snapshot saves every changed dataspace without evicting it, then stores the
// object table, so that Restore can rebuild the runtime from the store.
func (rt *Runtime) Snapshot() error {
	if rt.plist != nil {
		return fmt.Errorf("snapshot with level %d open", rt.plist.level)
	}
	if rt.Errors.Depth() > 0 {
		return fmt.Errorf("snapshot inside a call at level %d", rt.Errors.Frame().Level)
	}
	for _, o := range rt.Objects.Live() {
		if o.data != nil && (o.data.base.flags.Has(ModSave) || len(o.sectors) == 0) {
			rt.save(o)
		}
	}
	data, err := rt.Objects.marshal()
	if err != nil {
		return err
	}
	if err := rt.store.PutMeta(metaObjects, data); err != nil {
		return fmt.Errorf("store object table: %w", err)
	}
	swapLog.Infof("snapshot of %d objects", len(rt.Objects.Live()))
	return nil
}

// Restore rebuilds a runtime from the last snapshot in opts.Store. Objects
// get new creation counts; references saved with the old ones are remapped
// as each dataspace is paged in. Pending callouts are handed to the
// scheduler.
func Restore(opts Options) (*Runtime, error) {
	rt := New(opts)
	data, err := rt.store.Meta(metaObjects)
	if err != nil {
		return nil, fmt.Errorf("read object table: %w", err)
	}
	table, counttab, err := unmarshalTable(data)
	if err != nil {
		return nil, err
	}
	rt.Objects = table
	for _, o := range table.Live() {
		o.counttab = counttab
		if len(o.sectors) == 0 {
			rt.Create(o)
			continue
		}
		hdr, err := readHeader(rt.store.Read, o.sectors)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", o.ref.Index, err)
		}
		img := &image{sectors: o.sectors, read: rt.store.Read, hdr: hdr}
		co, err := img.readCallouts()
		if err != nil {
			return nil, fmt.Errorf("object %d callouts: %w", o.ref.Index, err)
		}
		for _, s := range co.Slots {
			rt.sched.Schedule(o.ref, s.Handle, s.Time, s.MTime)
		}
	}
	swapLog.Infof("restored %d objects", len(table.Live()))
	return rt, nil
}

// Fix remaps the object references held by every dataspace in memory through
// counttab, which holds the creation counts the references were made with.
// Dataspaces still on disk are remapped as they are paged in.
func (rt *Runtime) Fix(counttab []uint32) {
	if rt.plist != nil {
		rt.Errors.Terminate("fix with level %d open", rt.plist.level)
	}
	for _, o := range rt.Objects.Live() {
		d := o.data
		if d == nil {
			o.counttab = composeCounts(o.counttab, counttab, rt.Objects)
			continue
		}
		d.loadAll()
		fix := func(vals []Value) {
			for i, v := range vals {
				if v.Kind == KindObject {
					vals[i] = d.fixObj(v, counttab)
				}
			}
		}
		fix(d.variables)
		for arr := range d.base.arrays {
			fix(arr.elts)
		}
		for i := range d.callouts {
			fix(d.callouts[i].Val[:])
		}
		d.base.flags |= ModSave
	}
}

// composeCounts folds a later count table into the one an image on disk is
// still waiting to be remapped with.
func composeCounts(pending, later []uint32, objs *ObjectTable) []uint32 {
	if pending == nil {
		return later
	}
	out := make([]uint32, len(pending))
	for i, c := range pending {
		if i < len(later) && later[i] != 0 && later[i] == objs.Count(uint32(i)) {
			out[i] = c
		}
	}
	return out
}
