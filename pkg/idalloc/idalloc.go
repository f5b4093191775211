// Package idalloc allocates small unsigned integer identifiers — circuit
// ids at a relay, relay ids at an index — from a growing bitset of in-use
// slots, per the allocator design the source's circuit-id comment
// describes. Freed slots are reused; reuse never collides with a live
// reference because Free is only called after every tunnel referencing the
// id has been torn down.
package idalloc

import "sync"

// Allocator hands out uint32 ids starting at 1 (0 is reserved so callers
// can use it as a "no id" sentinel alongside *uint32 fields elsewhere).
type Allocator struct {
	mu   sync.Mutex
	used []bool
	next uint32
}

// New returns an empty allocator.
func New() *Allocator {
	return &Allocator{used: make([]bool, 1), next: 1}
}

// Alloc returns the lowest free id, growing the bitset if necessary.
func (a *Allocator) Alloc() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.next; i < uint32(len(a.used)); i++ {
		if !a.used[i] {
			a.used[i] = true
			a.next = i + 1
			return i
		}
	}
	for i := uint32(1); i < a.next; i++ {
		if !a.used[i] {
			a.used[i] = true
			a.next = i + 1
			return i
		}
	}

	id := uint32(len(a.used))
	a.used = append(a.used, true)
	a.next = id + 1
	return id
}

// Free returns id to the pool.
func (a *Allocator) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(id) < len(a.used) {
		a.used[id] = false
		if id < a.next {
			a.next = id
		}
	}
}
