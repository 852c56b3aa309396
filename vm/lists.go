package vm

import "fmt"

// ---------------------------------------------------------------------------
// Index-linked lists of dataspaces
// ---------------------------------------------------------------------------

// none terminates an index list.
const none = ^uint32(0)

type links struct {
	prev, next uint32
	in         bool
}

// indexList is a doubly linked list of object indices. A dataspace is on
// several lists at once (swap order, collection, imports); each list keeps
// its own links, so membership in one never disturbs another.
type indexList struct {
	name       string
	head, tail uint32
	n          int
	nodes      []links
}

func newIndexList(name string) indexList {
	return indexList{name: name, head: none, tail: none}
}

func (l *indexList) node(i uint32) *links {
	for uint32(len(l.nodes)) <= i {
		l.nodes = append(l.nodes, links{prev: none, next: none})
	}
	return &l.nodes[i]
}

// Len returns the number of members.
func (l *indexList) Len() int { return l.n }

// Contains reports whether i is on the list.
func (l *indexList) Contains(i uint32) bool {
	return i < uint32(len(l.nodes)) && l.nodes[i].in
}

// pushFront adds i at the head. Members stay where they are.
func (l *indexList) pushFront(i uint32) {
	nd := l.node(i)
	if nd.in {
		return
	}
	nd.in = true
	nd.prev = none
	nd.next = l.head
	if l.head != none {
		l.nodes[l.head].prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.n++
}

// moveFront makes i the head, adding it if needed.
func (l *indexList) moveFront(i uint32) {
	if l.Contains(i) {
		if l.head == i {
			return
		}
		l.remove(i)
	}
	l.pushFront(i)
}

func (l *indexList) remove(i uint32) {
	if !l.Contains(i) {
		return
	}
	nd := &l.nodes[i]
	if nd.prev != none {
		l.nodes[nd.prev].next = nd.next
	} else {
		l.head = nd.next
	}
	if nd.next != none {
		l.nodes[nd.next].prev = nd.prev
	} else {
		l.tail = nd.prev
	}
	*nd = links{prev: none, next: none}
	l.n--
}

// First returns the head, or false when the list is empty.
func (l *indexList) First() (uint32, bool) { return l.head, l.head != none }

// Next returns the member after i.
func (l *indexList) Next(i uint32) (uint32, bool) {
	if !l.Contains(i) {
		return none, false
	}
	n := l.nodes[i].next
	return n, n != none
}

// Prev returns the member before i.
func (l *indexList) Prev(i uint32) (uint32, bool) {
	if !l.Contains(i) {
		return none, false
	}
	p := l.nodes[i].prev
	return p, p != none
}

// Last returns the tail.
func (l *indexList) Last() (uint32, bool) { return l.tail, l.tail != none }

// Members returns the members from head to tail.
func (l *indexList) Members() []uint32 {
	out := make([]uint32, 0, l.n)
	for i := l.head; i != none; i = l.nodes[i].next {
		out = append(out, i)
	}
	return out
}

// check verifies that forward and backward links agree and that the member
// count matches.
func (l *indexList) check() error {
	count := 0
	prev := none
	for i := l.head; i != none; i = l.nodes[i].next {
		nd := l.nodes[i]
		if !nd.in {
			return fmt.Errorf("%s list: %d linked but not a member", l.name, i)
		}
		if nd.prev != prev {
			return fmt.Errorf("%s list: %d has prev %d, want %d", l.name, i, nd.prev, prev)
		}
		prev = i
		count++
		if count > l.n {
			return fmt.Errorf("%s list: more than %d members, cycle?", l.name, l.n)
		}
	}
	if prev != l.tail {
		return fmt.Errorf("%s list: tail %d, walked to %d", l.name, l.tail, prev)
	}
	if count != l.n {
		return fmt.Errorf("%s list: %d members linked, count %d", l.name, count, l.n)
	}
	for i, nd := range l.nodes {
		if nd.in {
			count--
		} else if nd.prev != none || nd.next != none {
			return fmt.Errorf("%s list: %d not a member but linked", l.name, i)
		}
	}
	if count != 0 {
		return fmt.Errorf("%s list: %d members unreachable", l.name, -count)
	}
	return nil
}
