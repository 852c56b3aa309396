package vm

import (
	"testing"
	"time"

	"github.com/chazu/strata/vm/sector"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 15, 9, 26, 535e6, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestRuntime(t *testing.T) (*Runtime, *sector.MemStore, *Queue) {
	t.Helper()
	store := sector.NewMemStore(64)
	q := NewQueue()
	clock := &testClock{now: epoch}
	rt := New(Options{
		Store:          store,
		Scheduler:      q,
		Clock:          clock.Now,
		ErrorStackSize: 8,
		MaxCallouts:    8,
	})
	return rt, store, q
}

func str(rt *Runtime, s string) Value {
	return StringValue(rt.Heap.NewString(s))
}

func requireFatal(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		fe, ok := r.(*FatalError)
		require.True(t, ok, "expected a fatal error, got %v", r)
		require.Contains(t, fe.Message, substr)
	}()
	fn()
}

// call runs fn in obj and fails the test on error.
func call(t *testing.T, rt *Runtime, obj ObjRef, fn func(f *Frame) error) {
	t.Helper()
	_, err := rt.Call(obj, func(f *Frame) (Value, error) {
		return Nil, fn(f)
	})
	require.NoError(t, err)
}

// fail runs fn in obj, then raises; it returns the landed error.
func fail(t *testing.T, rt *Runtime, obj ObjRef, fn func(f *Frame) error) error {
	t.Helper()
	_, err := rt.Call(obj, func(f *Frame) (Value, error) {
		if err := fn(f); err != nil {
			return Nil, err
		}
		return Nil, f.Raise("abort")
	})
	require.Error(t, err)
	return err
}
