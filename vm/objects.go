package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/vm/sector"
	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Object table
// ---------------------------------------------------------------------------

// ErrDestructed is returned for a reference to an object that no longer
// exists, or whose slot has been reused.
var ErrDestructed = errors.New("object destructed")

// metaObjects is the store metadata key of the object table snapshot.
const metaObjects = "objects"

// Object is one slot of the object table.
type Object struct {
	Name string

	ref  ObjRef
	nvar int

	// data is the dataspace while it is in memory; sectors hold its last
	// saved image.
	data    *Dataspace
	sectors []sector.Sector

	// counttab remaps object references while the image saved before a
	// restore is paged in.
	counttab []uint32
}

// Ref returns the object reference.
func (o *Object) Ref() ObjRef { return o.ref }

// Variables returns the number of variables, excluding the extra slot.
func (o *Object) Variables() int { return o.nvar }

// Loaded reports whether the dataspace is in memory.
func (o *Object) Loaded() bool { return o.data != nil }

// Sectors returns the sectors of the last saved image.
func (o *Object) Sectors() []sector.Sector { return o.sectors }

// ObjectTable maps object indices to objects. Every creation takes the next
// value of a global creation counter, so a recycled slot never matches an
// older reference.
type ObjectTable struct {
	objs    []*Object
	free    []uint32
	counter uint32
}

// NewObjectTable creates an empty table.
func NewObjectTable() *ObjectTable {
	return &ObjectTable{}
}

func (t *ObjectTable) create(name string, nvar int) *Object {
	t.counter++
	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.objs))
		t.objs = append(t.objs, nil)
	}
	o := &Object{Name: name, ref: ObjRef{Index: index, Count: t.counter}, nvar: nvar}
	t.objs[index] = o
	return o
}

func (t *ObjectTable) remove(index uint32) {
	t.objs[index] = nil
	t.free = append(t.free, index)
}

// Get returns the object ref names.
func (t *ObjectTable) Get(ref ObjRef) (*Object, error) {
	if o := t.Lookup(ref.Index); o != nil && o.ref.Count == ref.Count {
		return o, nil
	}
	return nil, fmt.Errorf("%w: %d#%d", ErrDestructed, ref.Index, ref.Count)
}

// Lookup returns the object in slot index, or nil.
func (t *ObjectTable) Lookup(index uint32) *Object {
	if index >= uint32(len(t.objs)) {
		return nil
	}
	return t.objs[index]
}

// Valid reports whether ref names a live object.
func (t *ObjectTable) Valid(ref ObjRef) bool {
	_, err := t.Get(ref)
	return err == nil
}

// Count returns the creation count of slot index, 0 for a free slot.
func (t *ObjectTable) Count(index uint32) uint32 {
	if o := t.Lookup(index); o != nil {
		return o.ref.Count
	}
	return 0
}

// Len returns the number of slots, free or not.
func (t *ObjectTable) Len() int { return len(t.objs) }

// Live returns the live objects in index order.
func (t *ObjectTable) Live() []*Object {
	var out []*Object
	for _, o := range t.objs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// Counts returns the creation count of every slot, indexed by object index.
func (t *ObjectTable) Counts() []uint32 {
	counts := make([]uint32, len(t.objs))
	for i, o := range t.objs {
		if o != nil {
			counts[i] = o.ref.Count
		}
	}
	return counts
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

type objectRecord struct {
	Index   uint32   `cbor:"1,keyasint"`
	Count   uint32   `cbor:"2,keyasint"`
	Name    string   `cbor:"3,keyasint,omitempty"`
	NVar    int      `cbor:"4,keyasint"`
	Sectors []uint32 `cbor:"5,keyasint"`
}

type tableSnapshot struct {
	Version uint16         `cbor:"1,keyasint"`
	Slots   int            `cbor:"2,keyasint"`
	Objects []objectRecord `cbor:"3,keyasint"`
}

func (t *ObjectTable) marshal() ([]byte, error) {
	snap := tableSnapshot{Version: swapVersion, Slots: len(t.objs)}
	for _, o := range t.Live() {
		rec := objectRecord{Index: o.ref.Index, Count: o.ref.Count, Name: o.Name, NVar: o.nvar}
		for _, s := range o.sectors {
			rec.Sectors = append(rec.Sectors, uint32(s))
		}
		snap.Objects = append(snap.Objects, rec)
	}
	return encMode.Marshal(&snap)
}

// unmarshalTable rebuilds a table from a snapshot. Objects keep their slots
// but are created afresh, so they get new creation counts; the returned count
// table holds the counts they were saved with.
func unmarshalTable(data []byte) (*ObjectTable, []uint32, error) {
	var snap tableSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("unmarshal object table: %w", err)
	}
	if snap.Version != swapVersion {
		return nil, nil, fmt.Errorf("object table version %d, want %d", snap.Version, swapVersion)
	}
	t := &ObjectTable{objs: make([]*Object, snap.Slots)}
	counttab := make([]uint32, snap.Slots)
	for _, rec := range snap.Objects {
		if rec.Index >= uint32(snap.Slots) || t.objs[rec.Index] != nil {
			return nil, nil, fmt.Errorf("object table: bad slot %d", rec.Index)
		}
		t.counter++
		o := &Object{
			Name: rec.Name,
			ref:  ObjRef{Index: rec.Index, Count: t.counter},
			nvar: rec.NVar,
		}
		for _, s := range rec.Sectors {
			o.sectors = append(o.sectors, sector.Sector(s))
		}
		t.objs[rec.Index] = o
		counttab[rec.Index] = rec.Count
	}
	for i := len(t.objs) - 1; i >= 0; i-- {
		if t.objs[i] == nil {
			t.free = append(t.free, uint32(i))
		}
	}
	return t, counttab, nil
}
