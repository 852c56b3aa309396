package vm

import "strings"

// PlaneFlags records what a plane changed. Several flags steer commit and
// discard rather than just describing state.
type PlaneFlags uint16

const (
	// ModVariable: a variable was assigned; the plane holds a backup.
	ModVariable PlaneFlags = 1 << iota
	// ModArray: an array element changed; backups live in the plane's ArrRefs.
	ModArray
	// ModArrayRef: a dataspace-local array reference count changed.
	ModArrayRef
	// ModStringRef: a dataspace-local string reference count changed.
	ModStringRef
	// ModCallout: a callout was freed or replaced.
	ModCallout
	// ModNewCallout: a callout was added.
	ModNewCallout
	// PlaneMerge: the plane is being committed into an existing plane one
	// level down instead of taking over that level itself.
	PlaneMerge
	// ModSave: the dataspace must be written on its next swap-out.
	ModSave
)

// ModAll covers the change flags that propagate on commit.
const ModAll = ModVariable | ModArray | ModArrayRef | ModStringRef | ModCallout | ModNewCallout

// Has reports whether all of f are set.
func (p PlaneFlags) Has(f PlaneFlags) bool { return p&f == f }

// Any reports whether any of f is set.
func (p PlaneFlags) Any(f PlaneFlags) bool { return p&f != 0 }

var flagNames = []string{"variable", "array", "arrayref", "stringref", "callout", "newcallout", "merge", "save"}

func (p PlaneFlags) String() string {
	var names []string
	for i, name := range flagNames {
		if p&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
