package vm

// ---------------------------------------------------------------------------
// Heap: shared strings and arrays
// ---------------------------------------------------------------------------

// Heap creates shared strings and arrays and keeps the live counts used to
// check reference accounting. Storage counts as live from its first Ref until
// the Del that brings it back to zero; storage that is created and never
// referenced is simply dropped by the Go collector.
type Heap struct {
	liveStrings int
	liveArrays  int
	released    int
	nextTag     uint64

	fatal func(format string, args ...any)
}

// NewHeap creates a heap. fatal is called on accounting violations and must
// not return.
func NewHeap(fatal func(format string, args ...any)) *Heap {
	return &Heap{fatal: fatal}
}

// LiveStrings returns the number of referenced strings.
func (h *Heap) LiveStrings() int { return h.liveStrings }

// LiveArrays returns the number of referenced arrays and mappings.
func (h *Heap) LiveArrays() int { return h.liveArrays }

// Released returns how many strings and arrays have been released.
func (h *Heap) Released() int { return h.released }

// String is an immutable shared string.
type String struct {
	heap  *Heap
	text  string
	refs  uint32
	freed bool
}

// NewString creates an unreferenced string.
func (h *Heap) NewString(text string) *String {
	return &String{heap: h, text: text}
}

// Text returns the string contents.
func (s *String) Text() string { return s.text }

// Refs returns the reference count.
func (s *String) Refs() uint32 { return s.refs }

// Released reports whether the string has been released.
func (s *String) Released() bool { return s.freed }

func (s *String) ref() {
	if s.freed {
		s.heap.fatal("reference to released string %q", s.text)
	}
	if s.refs == 0 {
		s.heap.liveStrings++
	}
	s.refs++
}

func (s *String) del() {
	if s.freed || s.refs == 0 {
		s.heap.fatal("string %q released twice", s.text)
	}
	s.refs--
	if s.refs == 0 {
		s.freed = true
		s.heap.liveStrings--
		s.heap.released++
	}
}

// Array is a shared array or mapping. A mapping keeps its pairs flattened as
// key, value, key, value.
type Array struct {
	heap    *Heap
	elts    []Value
	refs    uint32
	mapping bool
	freed   bool
	tag     uint64

	// primary is the ownership record in the deepest plane of the owning
	// dataspace, nil for arrays no dataspace holds.
	primary *ArrRef
}

// NewArray creates an unreferenced array holding elts. The array takes a
// reference on each element.
func (h *Heap) NewArray(elts []Value) *Array {
	h.nextTag++
	return &Array{heap: h, elts: cloneValues(elts), tag: h.nextTag}
}

// NewMapping creates an unreferenced mapping from flattened key/value pairs.
// Later duplicates of a key replace earlier ones.
func (h *Heap) NewMapping(pairs []Value) *Array {
	h.nextTag++
	m := &Array{heap: h, mapping: true, tag: h.nextTag}
	for i := 0; i+1 < len(pairs); i += 2 {
		if j := m.find(pairs[i]); j >= 0 {
			pairs[i+1].Ref()
			m.elts[j+1].Del()
			m.elts[j+1] = pairs[i+1]
			continue
		}
		pairs[i].Ref()
		pairs[i+1].Ref()
		m.elts = append(m.elts, pairs[i], pairs[i+1])
	}
	return m
}

// Len returns the number of elements, or pairs for a mapping.
func (a *Array) Len() int {
	if a.mapping {
		return len(a.elts) / 2
	}
	return len(a.elts)
}

// Tag returns a number identifying the array for diagnostics.
func (a *Array) Tag() uint64 { return a.tag }

// IsMapping reports whether a is a mapping.
func (a *Array) IsMapping() bool { return a.mapping }

// Refs returns the reference count.
func (a *Array) Refs() uint32 { return a.refs }

// Released reports whether the array has been released.
func (a *Array) Released() bool { return a.freed }

// Elt returns element i. The value is borrowed.
func (a *Array) Elt(i int) Value { return a.elts[i] }

// Lookup returns the value stored under key in a mapping.
func (a *Array) Lookup(key Value) (Value, bool) {
	if i := a.find(key); i >= 0 {
		return a.elts[i+1], true
	}
	return Nil, false
}

// find returns the element index of key in a mapping, or -1.
func (a *Array) find(key Value) int {
	for i := 0; i+1 < len(a.elts); i += 2 {
		if a.elts[i].Equal(key) {
			return i
		}
	}
	return -1
}

// Owner returns the dataspace holding the array, or nil.
func (a *Array) Owner() *Dataspace {
	if a.primary == nil {
		return nil
	}
	return a.primary.data
}

func (a *Array) ref() {
	if a.freed {
		a.heap.fatal("reference to released array")
	}
	if a.refs == 0 {
		a.heap.liveArrays++
	}
	a.refs++
}

func (a *Array) del() {
	if a.freed || a.refs == 0 {
		a.heap.fatal("array released twice")
	}
	a.refs--
	if a.refs == 0 {
		a.freed = true
		a.heap.liveArrays--
		a.heap.released++
		elts := a.elts
		a.elts = nil
		delValues(elts)
	}
}

// loadString creates a string paged in from a dataspace image, holding refs
// references that the image's values will claim as they are decoded.
func (h *Heap) loadString(text string, refs uint32) *String {
	s := &String{heap: h, text: text, refs: refs}
	if refs > 0 {
		h.liveStrings++
	}
	return s
}

// loadArray is loadString for arrays. Elements are filled in by the caller.
func (h *Heap) loadArray(mapping bool, refs uint32) *Array {
	h.nextTag++
	a := &Array{heap: h, mapping: mapping, refs: refs, tag: h.nextTag}
	if refs > 0 {
		h.liveArrays++
	}
	return a
}
