package vm

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/strata/vm/sector"
	"github.com/stretchr/testify/require"
)

// fill gives obj a string shared between a variable and an array, a mapping,
// an object reference in the extra slot and a callout holding the array.
func fill(t *testing.T, rt *Runtime, obj ObjRef) {
	t.Helper()
	call(t, rt, obj, func(f *Frame) error {
		s := str(rt, "shared")
		arr := rt.Heap.NewArray([]Value{s, Int(7)})
		m := rt.Heap.NewMapping([]Value{str(rt, "k"), Float(2.5)})
		f.SetVar(0, s)
		f.SetVar(1, ArrayValue(arr))
		f.SetVar(2, ArrayValue(m))
		f.Data.SetExtra(f.Level, ObjectValue(obj))
		f.Stack.Push(ArrayValue(arr))
		_, err := f.NewCallOut("tick", 30, 0, 1)
		return err
	})
}

func TestSwapRoundTrip(t *testing.T) {
	rt, store, q := newTestRuntime(t)
	obj := rt.NewObject("box", 3)
	fill(t, rt, obj)
	require.Equal(t, 3, rt.Heap.LiveStrings())
	require.Equal(t, 2, rt.Heap.LiveArrays())

	written := rt.Swapout(0)
	require.NotEmpty(t, written)
	require.Zero(t, rt.Stats().Resident)
	require.Zero(t, rt.Heap.LiveStrings())
	require.Zero(t, rt.Heap.LiveArrays())
	require.NoError(t, rt.CheckLists())

	o, err := rt.Objects.Get(obj)
	require.NoError(t, err)
	require.False(t, o.Loaded())
	require.Equal(t, written, o.Sectors())

	d, err := rt.Dataspace(obj)
	require.NoError(t, err)
	vars, callouts := d.Resident()
	require.False(t, vars)
	require.False(t, callouts)

	s := d.Variable(0)
	require.Equal(t, "shared", s.Str().Text())
	vars, callouts = d.Resident()
	require.True(t, vars)
	require.False(t, callouts)

	arr := d.Variable(1).Array()
	require.Equal(t, KindArray, d.Variable(1).Kind)
	require.Same(t, s.Str(), arr.Elt(0).Str())
	require.Equal(t, int64(7), arr.Elt(1).Int())
	require.EqualValues(t, 2, arr.Refs())
	require.EqualValues(t, 2, d.LocalRefs(s))
	require.EqualValues(t, 2, d.LocalRefs(d.Variable(1)))
	require.Same(t, d, arr.Owner())

	m := d.Variable(2)
	require.Equal(t, KindMapping, m.Kind)
	v, ok := m.Array().Lookup(str(rt, "k"))
	require.True(t, ok)
	require.Equal(t, 2.5, v.Float())
	require.Equal(t, ObjectValue(obj), d.Extra())

	require.Equal(t, 1, d.Callouts())
	vars, callouts = d.Resident()
	require.True(t, vars)
	require.True(t, callouts)

	list := ArrayValue(d.ListCallouts())
	list.Ref()
	entry := list.Array().Elt(0).Array()
	require.Equal(t, "tick", entry.Elt(1).Str().Text())
	require.Same(t, arr, entry.Elt(4).Array())
	list.Del()

	require.Equal(t, 1, q.Len())
	require.Equal(t, 3, rt.Heap.LiveStrings())
	require.Equal(t, 2, rt.Heap.LiveArrays())
	require.Positive(t, store.InUse())
	require.NoError(t, rt.CheckLists())
}

func TestLoadPagesInSectionsOnFirstUse(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	obj := rt.NewObject("box", 3)
	fill(t, rt, obj)
	rt.Swapout(0)

	reads := store.Reads
	d, err := rt.Dataspace(obj)
	require.NoError(t, err)
	require.Equal(t, reads+1, store.Reads, "header only")

	reads = store.Reads
	d.Callouts()
	require.Greater(t, store.Reads, reads)
	vars, callouts := d.Resident()
	require.False(t, vars)
	require.True(t, callouts)

	// the tables came in with the callouts
	reads = store.Reads
	d.Variable(0)
	require.Equal(t, reads+1, store.Reads)

	reads = store.Reads
	d.Variable(1)
	d.Callouts()
	require.Equal(t, reads, store.Reads)
}

func TestEvictPartiallyLoadedDataspace(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	obj := rt.NewObject("box", 3)
	fill(t, rt, obj)
	rt.Swapout(0)

	d, err := rt.Dataspace(obj)
	require.NoError(t, err)
	d.Variable(0)
	require.Equal(t, 3, rt.Heap.LiveStrings())

	// unchanged, so nothing is written and every paged-in value is released
	require.Empty(t, rt.Swapout(0))
	require.Zero(t, rt.Heap.LiveStrings())
	require.Zero(t, rt.Heap.LiveArrays())

	d, err = rt.Dataspace(obj)
	require.NoError(t, err)
	require.Equal(t, 1, d.Callouts())
	require.Equal(t, "shared", d.Variable(0).Str().Text())
}

func TestSwapoutRewritesOnlyChangedDataspaces(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	obj := rt.NewObject("box", 3)
	fill(t, rt, obj)
	rt.Swapout(0)

	d, err := rt.Dataspace(obj)
	require.NoError(t, err)
	d.Variable(0)
	require.Empty(t, rt.Swapout(0))

	call(t, rt, obj, func(f *Frame) error {
		f.SetVar(0, Int(1))
		return nil
	})
	second := rt.Swapout(0)
	require.NotEmpty(t, second)

	o, _ := rt.Objects.Get(obj)
	require.Equal(t, second, o.Sectors())
	require.Equal(t, len(second), store.InUse(), "old image freed")

	d, err = rt.Dataspace(obj)
	require.NoError(t, err)
	require.Equal(t, int64(1), d.Variable(0).Int())
	require.Equal(t, "shared", d.Variable(1).Array().Elt(0).Str().Text())
}

func TestSwapoutFraction(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	var objs []ObjRef
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		objs = append(objs, rt.NewObject(name, 1))
	}
	// a is used last, so it is the most recent
	d, err := rt.Dataspace(objs[0])
	require.NoError(t, err)
	d.Variable(0)

	rt.Swapout(2)
	loaded := func() []string {
		var out []string
		for _, o := range rt.Objects.Live() {
			if o.Loaded() {
				out = append(out, o.Name)
			}
		}
		return out
	}
	require.Equal(t, []string{"a", "e"}, loaded())

	rt.Swapout(2)
	require.Equal(t, []string{"a"}, loaded())
	require.NoError(t, rt.CheckLists())
}

func TestSwapoutSkipsPinnedAndActive(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	pinned := rt.NewObject("pinned", 1)
	active := rt.NewObject("active", 1)
	idle := rt.NewObject("idle", 1)

	d, err := rt.Dataspace(pinned)
	require.NoError(t, err)
	d.Ref()

	call(t, rt, active, func(f *Frame) error {
		f.SetVar(0, Int(1))
		rt.Swapout(0)
		o, _ := rt.Objects.Get(idle)
		require.False(t, o.Loaded())
		o, _ = rt.Objects.Get(active)
		require.True(t, o.Loaded())
		return nil
	})

	o, _ := rt.Objects.Get(pinned)
	require.True(t, o.Loaded())

	d.Deref()
	rt.Swapout(0)
	require.Zero(t, rt.Stats().Resident)
	require.NoError(t, rt.CheckLists())
}

func TestLoadRejectsForeignImage(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	obj := rt.NewObject("box", 1)
	o, _ := rt.Objects.Get(obj)
	rt.evict(o)

	sectors, err := store.Write([]byte("this is not a dataspace image at all, not even close"))
	require.NoError(t, err)
	o.sectors = sectors

	requireFatal(t, "bad dataspace image", func() {
		_, _ = rt.Dataspace(obj)
	})
}

func TestHeaderDecodeErrors(t *testing.T) {
	h := header{Version: swapVersion, NVar: 3}
	buf := h.encode()

	_, err := decodeHeader(buf[:10])
	require.ErrorIs(t, err, errBadImage)

	bad := append([]byte(nil), buf...)
	bad[4] = 9
	_, err = decodeHeader(bad)
	require.ErrorIs(t, err, errBadImage)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.EqualValues(t, 3, got.NVar)
}

func TestSnapshotAndRestore(t *testing.T) {
	rt, store, _ := newTestRuntime(t)

	// burn a creation count so restored objects get different ones
	gone := rt.NewObject("gone", 0)
	require.NoError(t, rt.Destruct(gone))

	a := rt.NewObject("a", 2)
	b := rt.NewObject("b", 1)
	call(t, rt, a, func(f *Frame) error {
		f.SetVar(0, ObjectValue(b))
		f.SetVar(1, str(rt, "payload"))
		_, err := f.NewCallOut("wake", 5, 0, 0)
		return err
	})
	rt.Swapout(0)
	call(t, rt, b, func(f *Frame) error {
		f.SetVar(0, ObjectValue(a))
		return nil
	})
	require.NoError(t, rt.Snapshot())

	q := NewQueue()
	rt2, err := Restore(Options{Store: store, Scheduler: q, MaxCallouts: 8})
	require.NoError(t, err)
	require.Len(t, rt2.Objects.Live(), 2)

	a2 := rt2.Objects.Lookup(a.Index)
	b2 := rt2.Objects.Lookup(b.Index)
	require.Equal(t, "a", a2.Name)
	require.NotEqual(t, a.Count, a2.Ref().Count)
	require.False(t, a2.Loaded())

	// callouts are rescheduled without paging the dataspace in
	require.Equal(t, 1, q.Len())
	due, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, a2.Ref(), due.Obj)
	require.False(t, a2.Loaded())

	da, err := rt2.Dataspace(a2.Ref())
	require.NoError(t, err)
	require.Equal(t, ObjectValue(b2.Ref()), da.Variable(0))
	require.Equal(t, "payload", da.Variable(1).Str().Text())

	db, err := rt2.Dataspace(b2.Ref())
	require.NoError(t, err)
	require.Equal(t, ObjectValue(a2.Ref()), db.Variable(0))

	_, err = rt2.Dataspace(a)
	require.ErrorIs(t, err, ErrDestructed)
	require.NoError(t, rt2.CheckLists())
}

func TestSnapshotInsideCall(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	obj := rt.NewObject("box", 1)
	call(t, rt, obj, func(f *Frame) error {
		// no plane is open yet
		require.ErrorContains(t, rt.Snapshot(), "inside a call at level 1")
		f.SetVar(0, Int(1))
		require.ErrorContains(t, rt.Snapshot(), "level 1 open")
		return nil
	})
	require.NoError(t, rt.Snapshot())
}

// failingStore refuses writes once broken is set.
type failingStore struct {
	*sector.MemStore
	broken bool
}

func (s *failingStore) Write(data []byte) ([]sector.Sector, error) {
	if s.broken {
		return nil, errors.New("disk full")
	}
	return s.MemStore.Write(data)
}

func TestFailedSaveKeepsOldImage(t *testing.T) {
	store := &failingStore{MemStore: sector.NewMemStore(64)}
	rt := New(Options{Store: store, Scheduler: NewQueue(), ErrorStackSize: 8, MaxCallouts: 8})
	obj := rt.NewObject("box", 3)
	fill(t, rt, obj)
	old := rt.Swapout(0)
	require.NotEmpty(t, old)

	call(t, rt, obj, func(f *Frame) error {
		f.SetVar(0, Int(1))
		return nil
	})
	store.broken = true
	requireFatal(t, "disk full", func() { rt.Swapout(0) })

	require.Equal(t, len(old), store.InUse())
	buf := make([]byte, 8)
	require.NoError(t, store.Read(buf, old, 0))
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	_, err := Restore(Options{Store: sector.NewMemStore(0)})
	require.Error(t, err)
}

func TestSQLiteSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.db")
	st, err := sector.OpenSQLite(path, 128)
	require.NoError(t, err)

	rt := New(Options{Store: st})
	obj := rt.NewObject("box", 3)
	fill(t, rt, obj)
	require.NoError(t, rt.Snapshot())
	require.NoError(t, rt.Close())

	st, err = sector.OpenSQLite(path, 128)
	require.NoError(t, err)
	rt2, err := Restore(Options{Store: st})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt2.Close() })

	o := rt2.Objects.Lookup(obj.Index)
	require.NotNil(t, o)
	d, err := rt2.Dataspace(o.Ref())
	require.NoError(t, err)
	require.Equal(t, "shared", d.Variable(0).Str().Text())
	require.Equal(t, ObjectValue(o.Ref()), d.Extra())
	require.Equal(t, 1, d.Callouts())
	require.Equal(t, 1, rt2.Scheduler().(*Queue).Len())
}

func TestFixRemapsObjectReferences(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 2)
	b := rt.NewObject("b", 1)
	c := rt.NewObject("c", 1)
	old := ObjRef{Index: b.Index, Count: b.Count + 100}

	call(t, rt, a, func(f *Frame) error {
		f.SetVar(0, ObjectValue(b))
		f.SetVar(1, ObjectValue(old))
		return nil
	})
	call(t, rt, c, func(f *Frame) error {
		f.SetVar(0, ObjectValue(b))
		return nil
	})

	// a stays in memory, c goes to disk
	da, err := rt.Dataspace(a)
	require.NoError(t, err)
	da.Ref()
	defer da.Deref()
	rt.Swapout(0)

	// references to b were made when it had count old.Count
	counts := rt.Objects.Counts()
	counts[b.Index] = old.Count
	rt.Fix(counts)

	require.Equal(t, ObjectValue(b), da.Variable(1))
	require.True(t, da.Variable(0).IsNil())
	require.True(t, da.Base().Flags().Has(ModSave))

	dc, err := rt.Dataspace(c)
	require.NoError(t, err)
	require.True(t, dc.Variable(0).IsNil())
}
