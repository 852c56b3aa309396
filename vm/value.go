package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindString
	KindObject
	KindArray
	KindMapping
)

var kindNames = [...]string{"nil", "int", "float", "string", "object", "array", "mapping"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ObjRef names an object by table index and creation count. The count
// changes whenever the slot is recycled, so a ref whose count no longer
// matches the live object is stale.
type ObjRef struct {
	Index uint32
	Count uint32
}

// Value is a tagged union over the runtime's value types.
//
// Strings and arrays are shared and reference counted. Copying a Value
// copies the handle only; storage that keeps a Value must call Ref, and must
// call Del when it lets go. The store accessors (AssignVar, AssignElt, the
// value stack, the callout table) do this themselves.
type Value struct {
	Kind Kind

	// Modified is the dirty bit, set whenever the value is stored into a
	// dataspace and cleared when the dataspace is saved.
	Modified bool

	num int64
	flt float64
	obj ObjRef
	str *String
	arr *Array
}

// Nil is the nil value.
var Nil = Value{}

// Int creates an integer value.
func Int(n int64) Value { return Value{Kind: KindInt, num: n} }

// Float creates a float value.
func Float(f float64) Value { return Value{Kind: KindFloat, flt: f} }

// ObjectValue creates an object reference value.
func ObjectValue(ref ObjRef) Value { return Value{Kind: KindObject, obj: ref} }

// StringValue wraps a shared string.
func StringValue(s *String) Value {
	if s == nil {
		return Nil
	}
	return Value{Kind: KindString, str: s}
}

// ArrayValue wraps a shared array or mapping.
func ArrayValue(a *Array) Value {
	if a == nil {
		return Nil
	}
	if a.mapping {
		return Value{Kind: KindMapping, arr: a}
	}
	return Value{Kind: KindArray, arr: a}
}

// IsNil reports whether v is nil.
func (v Value) IsNil() bool { return v.Kind == KindNil }

// Int returns the integer payload. Panics if v is not an int.
func (v Value) Int() int64 {
	if v.Kind != KindInt {
		panic("Value.Int: not an int")
	}
	return v.num
}

// Float returns the float payload. Panics if v is not a float.
func (v Value) Float() float64 {
	if v.Kind != KindFloat {
		panic("Value.Float: not a float")
	}
	return v.flt
}

// Object returns the object reference. Panics if v is not an object.
func (v Value) Object() ObjRef {
	if v.Kind != KindObject {
		panic("Value.Object: not an object")
	}
	return v.obj
}

// Str returns the shared string, or nil if v is not a string.
func (v Value) Str() *String {
	if v.Kind != KindString {
		return nil
	}
	return v.str
}

// Array returns the shared array or mapping, or nil.
func (v Value) Array() *Array {
	if v.Kind != KindArray && v.Kind != KindMapping {
		return nil
	}
	return v.arr
}

// Shared reports whether v refers to reference-counted storage.
func (v Value) Shared() bool {
	return v.Kind == KindString || v.Kind == KindArray || v.Kind == KindMapping
}

// Ref takes a reference on v's shared storage. No-op for scalars.
func (v Value) Ref() {
	switch v.Kind {
	case KindString:
		v.str.ref()
	case KindArray, KindMapping:
		v.arr.ref()
	}
}

// Del drops a reference on v's shared storage, releasing it when the count
// reaches zero. No-op for scalars.
func (v Value) Del() {
	switch v.Kind {
	case KindString:
		v.str.del()
	case KindArray, KindMapping:
		v.arr.del()
	}
}

// Equal reports whether two values are the same for mapping key purposes:
// scalars by value, strings by content, arrays and mappings by identity.
func (v Value) Equal(w Value) bool {
	if v.Kind != w.Kind {
		return false
	}
	switch v.Kind {
	case KindNil:
		return true
	case KindInt:
		return v.num == w.num
	case KindFloat:
		return v.flt == w.flt || (math.IsNaN(v.flt) && math.IsNaN(w.flt))
	case KindString:
		return v.str == w.str || v.str.text == w.str.text
	case KindObject:
		return v.obj == w.obj
	default:
		return v.arr == w.arr
	}
}

// String renders v for diagnostics.
func (v Value) String() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str.text)
	case KindObject:
		return fmt.Sprintf("<object %d#%d>", v.obj.Index, v.obj.Count)
	case KindArray:
		return fmt.Sprintf("<array %d>", len(v.arr.elts))
	case KindMapping:
		return fmt.Sprintf("<mapping %d>", len(v.arr.elts)/2)
	}
	return "<invalid>"
}

// CopyValues copies src into dst, taking a reference for every copied value.
// It returns the number of values copied.
func CopyValues(dst, src []Value) int {
	n := copy(dst, src)
	for _, v := range dst[:n] {
		v.Ref()
	}
	return n
}

// cloneValues returns a referenced copy of vals.
func cloneValues(vals []Value) []Value {
	if vals == nil {
		return nil
	}
	out := make([]Value, len(vals))
	CopyValues(out, vals)
	return out
}

// delValues drops the references held by vals.
func delValues(vals []Value) {
	for _, v := range vals {
		v.Del()
	}
}
