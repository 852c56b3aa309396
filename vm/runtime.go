package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/strata/vm/sector"
)

// ErrActive is returned when destructing an object whose dataspace is in use
// by a running call.
var ErrActive = errors.New("object is in use")

// Options configures a Runtime. Zero fields take defaults.
type Options struct {
	// Store holds swapped out dataspaces. Defaults to an in-memory store.
	Store sector.Store

	// Scheduler is told about persistent callouts. Defaults to a Queue.
	Scheduler Scheduler

	// Clock is the time source for callouts. Defaults to time.Now.
	Clock func() time.Time

	// ErrorStackSize bounds nested error contexts.
	ErrorStackSize int

	// MaxCallouts bounds the callout table of each dataspace.
	MaxCallouts int
}

// Runtime is one execution of the persistence core: the object table, the
// dataspaces in memory, the open planes and the error stack. It is not safe
// for concurrent use.
type Runtime struct {
	Errors  *ErrorStack
	Heap    *Heap
	Objects *ObjectTable

	store       sector.Store
	sched       Scheduler
	clock       func() time.Time
	maxCallouts int

	plist *Dataplane // open planes, deepest level first

	swap    indexList // dataspaces in memory, most recently used first
	gc      indexList // dataspaces with reference changes to collect
	imports indexList // dataspaces holding arrays of other dataspaces

	stack *Stack
	top   *Frame // level 0 frame the outermost calls return to
}

// New creates a runtime.
func New(opts Options) *Runtime {
	if opts.Store == nil {
		opts.Store = sector.NewMemStore(sector.DefaultSize)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewQueue()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxCallouts <= 0 {
		opts.MaxCallouts = DefaultMaxCallouts
	}
	rt := &Runtime{
		Errors:      NewErrorStack(opts.ErrorStackSize),
		Objects:     NewObjectTable(),
		store:       opts.Store,
		sched:       opts.Scheduler,
		clock:       opts.Clock,
		maxCallouts: opts.MaxCallouts,
		swap:        newIndexList("swap"),
		gc:          newIndexList("gc"),
		imports:     newIndexList("import"),
		stack:       &Stack{},
	}
	rt.Heap = NewHeap(rt.Errors.Terminate)
	rt.top = &Frame{Stack: rt.stack, rt: rt}
	rt.Errors.SetFrame(rt.top)
	return rt
}

// Store returns the swap store.
func (rt *Runtime) Store() sector.Store { return rt.store }

// Scheduler returns the callout scheduler.
func (rt *Runtime) Scheduler() Scheduler { return rt.sched }

// Stack returns the value stack shared by all frames.
func (rt *Runtime) Stack() *Stack { return rt.stack }

// Top returns the level 0 frame.
func (rt *Runtime) Top() *Frame { return rt.top }

// Close closes the swap store.
func (rt *Runtime) Close() error { return rt.store.Close() }

// NewObject creates an object with nvar variables and an empty dataspace.
func (rt *Runtime) NewObject(name string, nvar int) ObjRef {
	o := rt.Objects.create(name, nvar)
	rt.Create(o)
	log.Debugf("created object %d#%d %q", o.ref.Index, o.ref.Count, name)
	return o.ref
}

// Dataspace returns the dataspace of ref, paging it in if it was swapped
// out.
func (rt *Runtime) Dataspace(ref ObjRef) (*Dataspace, error) {
	o, err := rt.Objects.Get(ref)
	if err != nil {
		return nil, err
	}
	if o.data == nil {
		if len(o.sectors) == 0 {
			rt.Create(o)
		} else {
			rt.RestoreDataspace(o, o.counttab, rt.store.Read)
		}
	}
	return o.data, nil
}

// Call runs fn inside obj one level below the current frame. On success the
// level is committed, and after an outermost call imported arrays are
// exported. On failure everything fn changed is discarded and the landed
// error is returned.
func (rt *Runtime) Call(obj ObjRef, fn func(f *Frame) (Value, error)) (Value, error) {
	d, err := rt.Dataspace(obj)
	if err != nil {
		return Nil, err
	}
	prev := rt.Errors.Frame()
	f := &Frame{
		Prev:  prev,
		Depth: prev.Depth + 1,
		Level: prev.Level + 1,
		Obj:   obj,
		Data:  d,
		Stack: rt.stack,
		rt:    rt,
	}
	d.Ref()
	defer d.Deref()

	ctx := rt.Errors.Push(prev, func(cur, at *Frame) {
		rt.DiscardAbove(at.Level)
	})
	rt.Errors.SetFrame(f)

	ret, err := fn(f)
	if err != nil {
		e := rt.Errors.Land(ctx, err)
		// the handler runs once per context, a swallowed raise may have used it
		rt.DiscardAbove(prev.Level)
		return Nil, e
	}
	rt.Errors.Pop(ctx)
	rt.Errors.SetFrame(prev)
	rt.Commit(f.Level, ret)
	if f.Level == 1 {
		rt.Xport()
	}
	return ret, nil
}

// RunCallout runs a due callout: the slot is freed persistently and fn is
// called inside the object with the arguments on the stack.
func (rt *Runtime) RunCallout(due Due, fn func(f *Frame, name string, nargs int) (Value, error)) error {
	d, err := rt.Dataspace(due.Obj)
	if err != nil {
		return err
	}
	name, nargs, err := d.CallOut(due.Handle, rt.top)
	if err != nil {
		return err
	}
	sp := rt.stack.SP() - nargs
	_, err = rt.Call(due.Obj, func(f *Frame) (Value, error) {
		return fn(f, name, nargs)
	})
	rt.stack.Truncate(sp)
	return err
}

// Destruct destroys an object: its callouts are cancelled, its values
// released and its sectors freed. The slot's next occupant gets a new
// creation count, so references to the object go stale.
func (rt *Runtime) Destruct(ref ObjRef) error {
	o, err := rt.Objects.Get(ref)
	if err != nil {
		return err
	}
	d, err := rt.Dataspace(ref)
	if err != nil {
		return err
	}
	if d.plane.level != 0 || d.Pinned() {
		return fmt.Errorf("%w: %d#%d", ErrActive, ref.Index, ref.Count)
	}
	d.loadAll()
	for i := range d.callouts {
		if co := &d.callouts[i]; co.Live() {
			rt.sched.Cancel(ref, uint32(i+1), co.Time, co.MTime)
		}
	}
	rt.evict(o)
	if len(o.sectors) > 0 {
		if err := rt.store.Free(o.sectors); err != nil {
			rt.Errors.Terminate("free sectors of object %d: %v", ref.Index, err)
		}
		o.sectors = nil
	}
	rt.Objects.remove(ref.Index)
	log.Debugf("destructed object %d#%d", ref.Index, ref.Count)
	return nil
}

// Stats summarizes the runtime state.
type Stats struct {
	Objects     int
	Resident    int
	Level       int
	LiveStrings int
	LiveArrays  int
	Released    int
	Importers   int
	Collectable int
}

// Stats returns a summary of the runtime state.
func (rt *Runtime) Stats() Stats {
	return Stats{
		Objects:     len(rt.Objects.Live()),
		Resident:    rt.swap.Len(),
		Level:       rt.Level(),
		LiveStrings: rt.Heap.LiveStrings(),
		LiveArrays:  rt.Heap.LiveArrays(),
		Released:    rt.Heap.Released(),
		Importers:   rt.imports.Len(),
		Collectable: rt.gc.Len(),
	}
}

// CheckLists verifies the dataspace lists: each is well linked, and the swap
// list holds exactly the dataspaces in memory.
func (rt *Runtime) CheckLists() error {
	for _, l := range []*indexList{&rt.swap, &rt.gc, &rt.imports} {
		if err := l.check(); err != nil {
			return err
		}
	}
	for _, o := range rt.Objects.Live() {
		if (o.data != nil) != rt.swap.Contains(o.ref.Index) {
			return fmt.Errorf("object %d: resident %t, on swap list %t",
				o.ref.Index, o.data != nil, rt.swap.Contains(o.ref.Index))
		}
	}
	for _, l := range []*indexList{&rt.gc, &rt.imports} {
		for _, i := range l.Members() {
			if o := rt.Objects.Lookup(i); o == nil || o.data == nil {
				return fmt.Errorf("%s list: object %d not resident", l.name, i)
			}
		}
	}
	return nil
}
