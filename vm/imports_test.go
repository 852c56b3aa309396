package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// owned gives obj an array in variable 0 and returns it.
func owned(t *testing.T, rt *Runtime, obj ObjRef, elts ...Value) *Array {
	t.Helper()
	var arr *Array
	call(t, rt, obj, func(f *Frame) error {
		arr = rt.Heap.NewArray(elts)
		f.SetVar(0, ArrayValue(arr))
		return nil
	})
	return arr
}

func TestXportCopiesImportedArrays(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 1)
	b := rt.NewObject("b", 1)
	arr := owned(t, rt, a, str(rt, "x"), Int(2))

	call(t, rt, b, func(f *Frame) error {
		f.SetVar(0, ArrayValue(arr))
		require.Same(t, arr, f.Var(0).Array())
		require.Equal(t, 1, f.Data.Plane().Imports())
		require.Equal(t, []ObjRef{b}, rt.Importers())
		return nil
	})

	db, err := rt.Dataspace(b)
	require.NoError(t, err)
	c := db.Variable(0).Array()
	require.NotSame(t, arr, c)
	require.Same(t, db, c.Owner())
	require.Same(t, arr.Elt(0).Str(), c.Elt(0).Str())
	require.Equal(t, int64(2), c.Elt(1).Int())
	require.EqualValues(t, 1, arr.Refs())
	require.EqualValues(t, 1, db.LocalRefs(c.Elt(0)))
	require.Empty(t, rt.Importers())
	require.Zero(t, db.Base().Imports())
}

func TestXportKeepsSharedStructure(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 1)
	b := rt.NewObject("b", 2)
	inner := owned(t, rt, a, Int(1))
	var outer *Array
	call(t, rt, a, func(f *Frame) error {
		outer = rt.Heap.NewArray([]Value{ArrayValue(inner), ArrayValue(inner)})
		f.SetVar(0, ArrayValue(outer))
		return nil
	})

	call(t, rt, b, func(f *Frame) error {
		f.SetVar(0, ArrayValue(outer))
		f.SetVar(1, ArrayValue(inner))
		return nil
	})

	db, _ := rt.Dataspace(b)
	o := db.Variable(0).Array()
	i := db.Variable(1).Array()
	require.NotSame(t, outer, o)
	require.Same(t, o.Elt(0).Array(), o.Elt(1).Array())
	require.Same(t, i, o.Elt(0).Array())
	require.Same(t, db, i.Owner())
}

func TestImportsKeptUntilOutermostCommit(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 1)
	b := rt.NewObject("b", 1)
	arr := owned(t, rt, a, Int(1))

	call(t, rt, a, func(f *Frame) error {
		_, err := f.Call(b, func(g *Frame) (Value, error) {
			g.SetVar(0, ArrayValue(arr))
			return Nil, nil
		})
		require.NoError(t, err)

		db, _ := rt.Dataspace(b)
		require.Same(t, arr, db.Variable(0).Array())
		require.Equal(t, []ObjRef{b}, rt.Importers())
		require.Equal(t, 1, rt.RefImports(arr))
		require.Zero(t, rt.RefImports(rt.Heap.NewArray(nil)))
		return nil
	})

	db, _ := rt.Dataspace(b)
	require.NotSame(t, arr, db.Variable(0).Array())
	require.Empty(t, rt.Importers())
}

func TestXportAdoptsArrayDroppedByOwner(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 1)
	b := rt.NewObject("b", 1)
	arr := owned(t, rt, a, Int(1))

	call(t, rt, a, func(f *Frame) error {
		_, err := f.Call(b, func(g *Frame) (Value, error) {
			g.SetVar(0, ArrayValue(arr))
			return Nil, nil
		})
		f.SetVar(0, Nil)
		return err
	})

	db, _ := rt.Dataspace(b)
	c := db.Variable(0).Array()
	require.NotSame(t, arr, c)
	require.Same(t, db, c.Owner())
	require.Zero(t, db.Base().Imports())
	require.True(t, arr.Released())
	require.Empty(t, rt.Importers())

	fail(t, rt, b, func(f *Frame) error {
		return f.SetElt(c, 0, Int(99))
	})
	require.Equal(t, int64(1), c.Elt(0).Int())
}

func TestDiscardedImportLeavesNoTrace(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 1)
	b := rt.NewObject("b", 1)
	arr := owned(t, rt, a, Int(1))

	fail(t, rt, b, func(f *Frame) error {
		f.SetVar(0, ArrayValue(arr))
		return nil
	})
	db, _ := rt.Dataspace(b)
	require.True(t, db.Variable(0).IsNil())
	require.Zero(t, db.Base().Imports())
	require.EqualValues(t, 1, arr.Refs())

	// the stale list entry is dropped by the next export
	rt.Xport()
	require.Empty(t, rt.Importers())
}

func TestCollectCompactsChangedMappings(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 1)
	c := rt.NewObject("c", 0)
	e := rt.NewObject("e", 0)

	var m *Array
	call(t, rt, a, func(f *Frame) error {
		m = rt.Heap.NewMapping(nil)
		f.SetVar(0, ArrayValue(m))
		if err := f.SetKey(m, str(rt, "c"), ObjectValue(c)); err != nil {
			return err
		}
		if err := f.SetKey(m, ObjectValue(e), Int(1)); err != nil {
			return err
		}
		return f.SetKey(m, str(rt, "keep"), Int(2))
	})

	require.NoError(t, rt.Destruct(c))
	first, ok := rt.GCFirst()
	require.True(t, ok)
	require.Equal(t, a, first)
	_, ok = rt.GCNext(first)
	require.False(t, ok)

	require.Equal(t, 1, rt.Collect())
	require.Equal(t, 2, m.Len())
	_, ok = m.Lookup(str(rt, "c"))
	require.False(t, ok)
	_, ok = rt.GCFirst()
	require.False(t, ok)

	// a mapping nobody changed is left alone until it is marked
	require.NoError(t, rt.Destruct(e))
	require.Zero(t, rt.Collect())
	require.Equal(t, 2, m.Len())

	call(t, rt, a, func(f *Frame) error {
		return f.Data.ChangeMap(f.Level, m)
	})
	require.Equal(t, 1, rt.Collect())
	require.Equal(t, 1, m.Len())
	v, ok := m.Lookup(str(rt, "keep"))
	require.True(t, ok)
	require.Equal(t, int64(2), v.Int())
	require.Equal(t, 1, rt.Heap.LiveStrings())
	require.NoError(t, rt.CheckLists())
}

func TestChangeMapRejectsArrays(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 1)
	arr := owned(t, rt, a)
	d, _ := rt.Dataspace(a)
	require.ErrorIs(t, d.ChangeMap(0, arr), ErrNotMapping)
}
