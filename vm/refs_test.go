package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalCountsFollowCommitAndDiscard(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	obj := rt.NewObject("obj", 3)
	d, _ := rt.Dataspace(obj)

	s := str(rt, "shared")
	arr := d.NewArray([]Value{s, s})
	d.AssignVar(0, 0, s)
	require.Equal(t, uint32(1), d.LocalRefs(s))

	call(t, rt, obj, func(f *Frame) error {
		f.SetVar(1, ArrayValue(arr))
		require.Equal(t, uint32(3), d.LocalRefs(s))
		require.Equal(t, uint32(1), d.LocalRefs(ArrayValue(arr)))
		return nil
	})
	require.Equal(t, uint32(3), d.LocalRefs(s))
	require.Equal(t, uint32(1), d.LocalRefs(ArrayValue(arr)))
	require.Same(t, d, arr.Owner())

	fail(t, rt, obj, func(f *Frame) error {
		f.SetVar(2, ArrayValue(arr))
		f.SetVar(0, Nil)
		require.Equal(t, uint32(2), d.LocalRefs(ArrayValue(arr)))
		require.Equal(t, uint32(2), d.LocalRefs(s))
		return nil
	})
	require.Equal(t, uint32(3), d.LocalRefs(s))
	require.Equal(t, uint32(1), d.LocalRefs(ArrayValue(arr)))

	// heap counts: the variable, and the two elements
	require.Equal(t, uint32(3), s.Str().Refs())
	require.Equal(t, uint32(1), arr.Refs())
}

func TestArrayLeavingDataspaceUncountsElements(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	obj := rt.NewObject("obj", 1)
	d, _ := rt.Dataspace(obj)

	s := str(rt, "elt")
	arr := d.NewArray([]Value{s})
	d.AssignVar(0, 0, ArrayValue(arr))
	require.Equal(t, uint32(1), d.LocalRefs(s))

	call(t, rt, obj, func(f *Frame) error {
		f.SetVar(0, Int(0))
		require.Zero(t, d.LocalRefs(ArrayValue(arr)))
		require.Zero(t, d.LocalRefs(s))
		return nil
	})

	// dropped from the dataspace and released
	require.Nil(t, arr.Owner())
	require.True(t, arr.Released())
	require.True(t, s.Str().Released())
	require.Empty(t, d.Base().arrays)
	require.Empty(t, d.Base().strings)
	require.Zero(t, rt.Heap.LiveArrays())
	require.Zero(t, rt.Heap.LiveStrings())
}

func TestRefcountsBalanceAfterMixedCalls(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	a := rt.NewObject("a", 2)
	da, _ := rt.Dataspace(a)

	for i := 0; i < 5; i++ {
		_, _ = rt.Call(a, func(f *Frame) (Value, error) {
			m := da.NewMapping([]Value{str(rt, "k"), str(rt, "v")})
			f.SetVar(0, ArrayValue(m))
			f.SetVar(1, str(rt, "scratch"))
			if err := f.SetKey(m, str(rt, "k2"), Int(int64(i))); err != nil {
				return Nil, err
			}
			if i%2 == 1 {
				return Nil, f.Raise("odd")
			}
			return Nil, nil
		})
	}

	// the last successful call (i == 4) is what remains
	m := da.Variable(0).Array()
	require.NotNil(t, m)
	require.Equal(t, 2, m.Len())
	require.Equal(t, 1, rt.Heap.LiveArrays())
	// k, v, k2 and scratch
	require.Equal(t, 4, rt.Heap.LiveStrings())
	require.Equal(t, uint32(1), m.Refs())
	require.Equal(t, uint32(1), da.LocalRefs(ArrayValue(m)))
}

func TestArrayOwnedElsewhereIsImported(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	owner := rt.NewObject("owner", 1)
	user := rt.NewObject("user", 1)
	do, _ := rt.Dataspace(owner)
	du, _ := rt.Dataspace(user)

	arr := do.NewArray([]Value{Int(1)})
	do.AssignVar(0, 0, ArrayValue(arr))

	fail(t, rt, user, func(f *Frame) error {
		f.SetVar(0, ArrayValue(arr))
		require.Equal(t, 1, du.Plane().Imports())
		require.Zero(t, du.LocalRefs(ArrayValue(arr)))
		require.Equal(t, []ObjRef{user}, rt.Importers())
		return nil
	})
	require.Zero(t, du.Base().Imports())
	require.Same(t, do, arr.Owner())
	require.Equal(t, uint32(1), arr.Refs())
}

func TestArrayRecordFromWrongDataspaceIsFatal(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	owner := rt.NewObject("owner", 1)
	other := rt.NewObject("other", 1)
	do, _ := rt.Dataspace(owner)
	dt, _ := rt.Dataspace(other)

	arr := do.NewArray(nil)
	do.AssignVar(0, 0, ArrayValue(arr))

	requireFatal(t, "does not own it", func() { dt.Base().arrRef(arr) })
}
