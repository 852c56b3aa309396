package vm

import (
	"errors"
	"fmt"
	"slices"
)

// ---------------------------------------------------------------------------
// Callouts
// ---------------------------------------------------------------------------

var (
	// ErrBadHandle is returned for a handle that does not name a pending
	// callout.
	ErrBadHandle = errors.New("invalid callout handle")

	// ErrTooManyCallouts is returned when a dataspace's callout table is full.
	ErrTooManyCallouts = errors.New("Too many callouts")

	// ErrBadDelay is returned for a negative or out of range delay.
	ErrBadDelay = errors.New("invalid callout delay")
)

// DefaultMaxCallouts bounds the callout table of one dataspace.
const DefaultMaxCallouts = 1024

// maxInlineArgs is the number of arguments stored in the slot itself; a
// longer argument list keeps its tail in an array in the last slot.
const maxInlineArgs = 3

// DCallOut is a scheduled call stored in a dataspace. Val[0] holds the
// function name and is nil for a free slot.
type DCallOut struct {
	Time  int64
	MTime uint16
	Val   [4]Value
	NArgs int

	serial uint32
}

// Live reports whether the slot holds a callout.
func (co *DCallOut) Live() bool { return co.Val[0].Kind != KindNil }

// Name returns the function name.
func (co *DCallOut) Name() string {
	if !co.Live() {
		return ""
	}
	return co.Val[0].Str().Text()
}

func (co *DCallOut) clone() DCallOut {
	c := *co
	for _, v := range c.Val {
		v.Ref()
	}
	return c
}

// coPatchTable records what a plane did to the callout table: the table
// length before the first change and the slots as they were before the plane
// touched them.
type coPatchTable struct {
	size  int
	saved map[uint32]DCallOut
	order []uint32
}

// patchCallouts opens the plane's patch table. It must be called before the
// first change at p.
func (d *Dataspace) patchCallouts(p *Dataplane) {
	if p.level == 0 || p.coptab != nil {
		return
	}
	p.coptab = &coPatchTable{size: len(d.callouts), saved: make(map[uint32]DCallOut)}
}

// patchSlot saves slot h before p changes it.
func (d *Dataspace) patchSlot(p *Dataplane, h uint32) {
	if p.level == 0 {
		return
	}
	d.patchCallouts(p)
	pt := p.coptab
	if _, ok := pt.saved[h]; ok || int(h) > pt.size {
		return
	}
	pt.saved[h] = d.callouts[h-1].clone()
	pt.order = append(pt.order, h)
}

// allocCallout takes the lowest free slot, growing the table only when no
// slot is free.
func (d *Dataspace) allocCallout(p *Dataplane) (uint32, error) {
	d.patchCallouts(p)
	if len(d.cofree) > 0 {
		h := d.cofree[0]
		d.patchSlot(p, h)
		d.cofree = d.cofree[1:]
		return h, nil
	}
	if len(d.callouts) >= d.rt.maxCallouts {
		return 0, ErrTooManyCallouts
	}
	d.callouts = append(d.callouts, DCallOut{})
	return uint32(len(d.callouts)), nil
}

// freeCallout empties slot h and returns it to the free list. Freeing the
// last slot shrinks the table past any free slots before it.
func (d *Dataspace) freeCallout(p *Dataplane, h uint32) {
	d.patchSlot(p, h)
	co := &d.callouts[h-1]
	for _, v := range co.Val {
		d.delLhs(p, v)
		v.Del()
	}
	*co = DCallOut{}
	p.flags |= ModCallout

	if int(h) < len(d.callouts) {
		i, _ := slices.BinarySearch(d.cofree, h)
		d.cofree = slices.Insert(d.cofree, i, h)
		return
	}
	n := len(d.callouts) - 1
	for n > 0 && !d.callouts[n-1].Live() {
		n--
	}
	d.callouts = d.callouts[:n]
	for len(d.cofree) > 0 && int(d.cofree[len(d.cofree)-1]) > n {
		d.cofree = d.cofree[:len(d.cofree)-1]
	}
}

func (d *Dataspace) rebuildFree() {
	d.cofree = d.cofree[:0]
	for i := range d.callouts {
		if !d.callouts[i].Live() {
			d.cofree = append(d.cofree, uint32(i+1))
		}
	}
}

func (d *Dataspace) callout(h uint32) (*DCallOut, error) {
	if h == 0 || int(h) > len(d.callouts) || !d.callouts[h-1].Live() {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	return &d.callouts[h-1], nil
}

// when converts a delay to an absolute time.
func (d *Dataspace) when(delay int64, mdelay int) (int64, uint16, error) {
	if delay < 0 || mdelay < 0 || mdelay > 999 {
		return 0, 0, fmt.Errorf("%w: %d.%03d", ErrBadDelay, delay, mdelay)
	}
	now := d.rt.clock()
	t := now.Unix() + delay
	ms := now.Nanosecond()/1e6 + mdelay
	t += int64(ms / 1000)
	return t, uint16(ms % 1000), nil
}

// NewCallOut schedules fn to be called after delay seconds plus mdelay
// milliseconds, with the top nargs values of f's stack as arguments. The
// arguments are popped on success. It returns the callout handle.
func (d *Dataspace) NewCallOut(level int, fn string, delay int64, mdelay int, f *Frame, nargs int) (uint32, error) {
	d.loadCallouts()
	t, mt, err := d.when(delay, mdelay)
	if err != nil {
		return 0, err
	}
	if nargs < 0 || nargs > f.Stack.SP() {
		return 0, fmt.Errorf("bad argument count %d", nargs)
	}

	p := d.planeAt(level)
	h, err := d.allocCallout(p)
	if err != nil {
		return 0, err
	}

	co := &d.callouts[h-1]
	d.coSerial++
	*co = DCallOut{Time: t, MTime: mt, NArgs: nargs, serial: d.coSerial}

	name := StringValue(d.rt.Heap.NewString(fn))
	name.Ref()
	co.Val[0] = name

	args := make([]Value, nargs)
	for i := nargs - 1; i >= 0; i-- {
		args[i] = f.Stack.Pop()
	}
	if nargs > maxInlineArgs {
		rest := d.rt.Heap.NewArray(args[maxInlineArgs-1:])
		delValues(args[maxInlineArgs-1:])
		args = append(args[:maxInlineArgs-1], ArrayValue(rest))
		args[maxInlineArgs-1].Ref()
	}
	copy(co.Val[1:], args)

	for _, v := range co.Val {
		d.refRhs(p, v)
	}
	p.flags |= ModNewCallout
	d.changed(p)

	if p.level == 0 {
		d.rt.sched.Schedule(d.obj, h, t, mt)
	}
	return h, nil
}

// DelCallOut removes a pending callout and returns the seconds and the
// millisecond part of the time it had left to run.
func (d *Dataspace) DelCallOut(level int, h uint32) (int64, uint16, error) {
	d.loadCallouts()
	co, err := d.callout(h)
	if err != nil {
		return 0, 0, err
	}
	t, mt := co.Time, co.MTime
	remaining := max(t-d.rt.clock().Unix(), 0)

	p := d.planeAt(level)
	d.freeCallout(p, h)
	d.changed(p)
	if p.level == 0 {
		d.rt.sched.Cancel(d.obj, h, t, mt)
	}
	return remaining, mt, nil
}

// CallOut retrieves a due callout for execution: its arguments are pushed on
// f's stack and the slot is freed. It returns the function name and the
// number of arguments pushed.
func (d *Dataspace) CallOut(h uint32, f *Frame) (string, int, error) {
	d.loadCallouts()
	co, err := d.callout(h)
	if err != nil {
		return "", 0, err
	}
	name := co.Name()
	nargs := co.NArgs
	inline := min(nargs, maxInlineArgs)
	if nargs > maxInlineArgs {
		inline = maxInlineArgs - 1
	}
	for i := 1; i <= inline; i++ {
		f.Stack.Push(co.Val[i])
	}
	if nargs > maxInlineArgs {
		for _, v := range co.Val[maxInlineArgs].arr.elts {
			f.Stack.Push(v)
		}
	}

	t, mt := co.Time, co.MTime
	p := d.planeAt(f.Level)
	d.freeCallout(p, h)
	d.changed(p)
	if p.level == 0 {
		d.rt.sched.Cancel(d.obj, h, t, mt)
	}
	return name, nargs, nil
}

// Callouts returns the number of pending callouts.
func (d *Dataspace) Callouts() int {
	d.loadCallouts()
	return len(d.callouts) - len(d.cofree)
}

// ListCallouts returns an unreferenced array describing the pending
// callouts. Each element is an array of handle, function name, time,
// millisecond time and the arguments.
func (d *Dataspace) ListCallouts() *Array {
	d.loadCallouts()
	heap := d.rt.Heap
	var list []Value
	for i := range d.callouts {
		co := &d.callouts[i]
		if !co.Live() {
			continue
		}
		entry := []Value{Int(int64(i + 1)), co.Val[0], Int(co.Time), Int(int64(co.MTime))}
		if co.NArgs > maxInlineArgs {
			entry = append(entry, co.Val[1:maxInlineArgs]...)
			entry = append(entry, co.Val[maxInlineArgs].arr.elts...)
		} else {
			entry = append(entry, co.Val[1:1+co.NArgs]...)
		}
		list = append(list, ArrayValue(heap.NewArray(entry)))
	}
	return heap.NewArray(list)
}

// commitCallouts hands p's callout patches to q. Into a level 0 plane the
// differences go to the scheduler instead; otherwise snapshots q already
// holds win.
func (d *Dataspace) commitCallouts(p, q *Dataplane) {
	pt := p.coptab
	p.coptab = nil

	if q.level == 0 {
		for _, h := range pt.order {
			old := pt.saved[h]
			var cur *DCallOut
			if int(h) <= len(d.callouts) {
				cur = &d.callouts[h-1]
			}
			d.report(h, &old, cur)
			delValues(old.Val[:])
		}
		for h := pt.size + 1; h <= len(d.callouts); h++ {
			d.report(uint32(h), nil, &d.callouts[h-1])
		}
		return
	}

	qt := q.coptab
	if qt == nil {
		q.coptab = pt
		return
	}
	for _, h := range pt.order {
		snap := pt.saved[h]
		if _, ok := qt.saved[h]; ok || int(h) > qt.size {
			delValues(snap.Val[:])
			continue
		}
		qt.saved[h] = snap
		qt.order = append(qt.order, h)
	}
}

// report tells the scheduler how slot h changed between old and cur.
func (d *Dataspace) report(h uint32, old, cur *DCallOut) {
	wasLive := old != nil && old.Live()
	isLive := cur != nil && cur.Live()
	if wasLive && isLive && old.serial == cur.serial {
		return
	}
	if wasLive {
		d.rt.sched.Cancel(d.obj, h, old.Time, old.MTime)
	}
	if isLive {
		d.rt.sched.Schedule(d.obj, h, cur.Time, cur.MTime)
	}
}

// discardCallouts puts the callout table back as it was before p.
func (d *Dataspace) discardCallouts(p *Dataplane) {
	pt := p.coptab
	p.coptab = nil

	for len(d.callouts) < pt.size {
		d.callouts = append(d.callouts, DCallOut{})
	}
	for _, h := range pt.order {
		cur := &d.callouts[h-1]
		delValues(cur.Val[:])
		*cur = pt.saved[h]
	}
	for i := pt.size; i < len(d.callouts); i++ {
		delValues(d.callouts[i].Val[:])
	}
	clear(d.callouts[pt.size:])
	d.callouts = d.callouts[:pt.size]
	d.rebuildFree()
}
