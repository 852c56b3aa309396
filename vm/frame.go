package vm

// Stack is the logical value stack shared by the frames of one execution.
// Values on the stack hold a reference.
type Stack struct {
	vals []Value
}

// Push pushes v, taking a reference.
func (s *Stack) Push(v Value) {
	v.Ref()
	s.vals = append(s.vals, v)
}

// Pop removes the top value. The caller inherits its reference and must
// either store it or Del it.
func (s *Stack) Pop() Value {
	v := s.vals[len(s.vals)-1]
	s.vals = s.vals[:len(s.vals)-1]
	return v
}

// SP returns the stack pointer.
func (s *Stack) SP() int { return len(s.vals) }

// Top returns the top n values without popping them.
func (s *Stack) Top(n int) []Value { return s.vals[len(s.vals)-n:] }

// Truncate pops everything above sp, dropping references.
func (s *Stack) Truncate(sp int) {
	if sp >= len(s.vals) {
		return
	}
	delValues(s.vals[sp:])
	clear(s.vals[sp:])
	s.vals = s.vals[:sp]
}

// Frame is one activation of a call into an object. Level is the plane level
// the call mutates at, which is also its nesting depth.
type Frame struct {
	Prev  *Frame
	Depth int
	Level int
	Obj   ObjRef
	Data  *Dataspace
	Stack *Stack

	rt *Runtime
}

// Runtime returns the runtime the frame runs in.
func (f *Frame) Runtime() *Runtime { return f.rt }

// Var reads variable i of the frame's object.
func (f *Frame) Var(i int) Value { return f.Data.Variable(i) }

// SetVar assigns variable i of the frame's object.
func (f *Frame) SetVar(i int, v Value) { f.Data.AssignVar(f.Level, i, v) }

// SetElt assigns element i of arr, which may belong to any dataspace.
func (f *Frame) SetElt(arr *Array, i int, v Value) error {
	return f.Data.AssignElt(f.Level, arr, i, v)
}

// SetKey assigns key in mapping m; a nil value removes the key.
func (f *Frame) SetKey(m *Array, key, v Value) error {
	return f.Data.MappingSet(f.Level, m, key, v)
}

// Raise raises a recoverable error.
func (f *Frame) Raise(format string, args ...any) error {
	return f.rt.Errors.Raise(format, args...)
}

// NewCallOut schedules fn in the frame's object with the top nargs stack
// values as arguments.
func (f *Frame) NewCallOut(fn string, delay int64, mdelay int, nargs int) (uint32, error) {
	return f.Data.NewCallOut(f.Level, fn, delay, mdelay, f, nargs)
}

// DelCallOut removes a callout of the frame's object.
func (f *Frame) DelCallOut(handle uint32) (int64, uint16, error) {
	return f.Data.DelCallOut(f.Level, handle)
}

// Call calls into obj one level down.
func (f *Frame) Call(obj ObjRef, fn func(f *Frame) (Value, error)) (Value, error) {
	return f.rt.Call(obj, fn)
}
