// Package container implements the two heap-backed collection types the
// runtime exposes to programs: List (a dense dynamic array) and Map (a
// hash-array-mapped trie with tombstone deletion and insertion-order
// iteration).
package container

import "github.com/corelisp/corelisp/value"

// ZoneAllocator is what a container needs from the zone it's being
// constructed or mutated in: bump-allocate storage for copied keys and
// values, and register a cleanup to run at zone exit.
type ZoneAllocator interface {
	value.Allocator
	Defer(fn func())
}

// GrowthTracker observes a List's one-time move from zone-allocated
// storage to heap-managed storage, and the finalizer that later
// releases it. It exists so tests can verify the "list finalizer
// fires" property (an instrumented tracker sees exactly one OnFree per
// OnGrow); production code can leave it nil.
type GrowthTracker interface {
	OnGrow(capacity int)
	OnFree()
}

type noopTracker struct{}

func (noopTracker) OnGrow(int) {}
func (noopTracker) OnFree()    {}
