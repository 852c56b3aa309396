// Package vm implements the transactional persistence core of the strata
// object runtime.
//
// This package contains:
//   - reference counted values (strings, arrays, mappings) and their heap
//   - the error context stack that drives rollback
//   - dataspaces, the persistent state of each object
//   - dataplanes, one transactional layer per call level
//   - the callout table of scheduled calls
//   - swapping dataspaces to and from a sector store
//
// A call into an object runs one level below its caller. Changes made at a
// level are held in that level's planes and either committed into the level
// below when the call returns, or discarded when an error unwinds through it.
package vm
