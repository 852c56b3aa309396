package vm

import "container/heap"

// Scheduler is told about callouts as they become persistent: a callout
// added at level 0, or committed down to it, is scheduled; one removed is
// cancelled. Changes made in planes that are later discarded are never
// reported.
type Scheduler interface {
	Schedule(obj ObjRef, handle uint32, t int64, mt uint16)
	Cancel(obj ObjRef, handle uint32, t int64, mt uint16)
}

// Due is a scheduled callout.
type Due struct {
	Obj    ObjRef
	Handle uint32
	Time   int64
	MTime  uint16
}

type dueKey struct {
	obj    ObjRef
	handle uint32
}

// Queue is a Scheduler keeping callouts in trigger order.
type Queue struct {
	items dueHeap
	index map[dueKey]*dueItem
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[dueKey]*dueItem)}
}

// Schedule adds a callout, replacing an entry for the same handle.
func (q *Queue) Schedule(obj ObjRef, handle uint32, t int64, mt uint16) {
	key := dueKey{obj, handle}
	if it, ok := q.index[key]; ok {
		it.Time, it.MTime = t, mt
		heap.Fix(&q.items, it.pos)
		return
	}
	it := &dueItem{Due: Due{Obj: obj, Handle: handle, Time: t, MTime: mt}}
	q.index[key] = it
	heap.Push(&q.items, it)
}

// Cancel removes a callout. Unknown handles are ignored.
func (q *Queue) Cancel(obj ObjRef, handle uint32, t int64, mt uint16) {
	key := dueKey{obj, handle}
	it, ok := q.index[key]
	if !ok || it.Time != t || it.MTime != mt {
		return
	}
	delete(q.index, key)
	heap.Remove(&q.items, it.pos)
}

// Len returns the number of scheduled callouts.
func (q *Queue) Len() int { return len(q.items) }

// Peek returns the earliest callout.
func (q *Queue) Peek() (Due, bool) {
	if len(q.items) == 0 {
		return Due{}, false
	}
	return q.items[0].Due, true
}

// PopDue removes and returns every callout due at or before t, mt, earliest
// first.
func (q *Queue) PopDue(t int64, mt uint16) []Due {
	var out []Due
	for len(q.items) > 0 {
		top := q.items[0]
		if top.Time > t || (top.Time == t && top.MTime > mt) {
			break
		}
		heap.Pop(&q.items)
		delete(q.index, dueKey{top.Obj, top.Handle})
		out = append(out, top.Due)
	}
	return out
}

type dueItem struct {
	Due
	pos int
}

type dueHeap []*dueItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}
	if h[i].MTime != h[j].MTime {
		return h[i].MTime < h[j].MTime
	}
	if h[i].Obj.Index != h[j].Obj.Index {
		return h[i].Obj.Index < h[j].Obj.Index
	}
	return h[i].Handle < h[j].Handle
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *dueHeap) Push(x any) {
	it := x.(*dueItem)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
