// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package hazard implements a lock-free, open-addressed set of the pointers
// one thread currently protects. It is single-writer (only its owning
// thread calls Add/Remove/Clear) but its Snapshot is safe to call from any
// thread scanning for live hazards.
package hazard

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Registry is an open-addressed probe set of *T pointers, sized at
// construction to at least twice the caller's requested capacity so the
// load factor never exceeds 0.5.
type Registry[T any] struct {
	slots     []atomic.Pointer[T]
	mask      uint64
	tombstone *T
}

// NewRegistry builds a registry with room for at least `capacity` distinct
// concurrent hazards (rounded up to a power of two, doubled for load
// factor). capacity of 0 still yields a minimal, usable registry.
func NewRegistry[T any](capacity int) *Registry[T] {
	requested := uint64(capacity)
	size := requested * 2
	if size == 0 {
		size = 1
	}
	size = nextPow2(size)

	r := &Registry[T]{
		slots: make([]atomic.Pointer[T], size),
		mask:  size - 1,
		// The tombstone sentinel is the address of a real, never-populated
		// T, exactly like sync.Map's "expunged" marker: the original C++
		// registry reinterprets the integer 1 as a pointer because C++ has
		// no garbage collector to object, but Go's precise collector cannot
		// tolerate a non-heap bit pattern living in a pointer-typed slot.
		// Allocating one sentinel object per registry keeps every value
		// ever stored here a legitimate pointer.
		tombstone: new(T),
	}
	return r
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return uint64(1) << uint(64-bits.LeadingZeros64(v-1))
}

// Capacity returns the number of probe slots.
func (r *Registry[T]) Capacity() int {
	return len(r.slots)
}

func (r *Registry[T]) hash(p *T) uint64 {
	return fmix64(uint64(uintptr(unsafe.Pointer(p)))) & r.mask
}

// Add publishes ptr as a hazard. It is idempotent: adding an
// already-present pointer succeeds without creating a duplicate entry. It
// returns false only if ptr is nil or every probe slot is occupied by a
// different live pointer (a capacity the caller sized too small — a
// programming error, reported rather than panicked on).
func (r *Registry[T]) Add(ptr *T) bool {
	if ptr == nil {
		return false
	}
	// A tombstone earlier in ptr's probe chain would otherwise take a second
	// copy of a pointer already stored further along.
	if r.Contains(ptr) {
		return true
	}
	h := r.hash(ptr)
	n := uint64(len(r.slots))

	for i := uint64(0); i < n; i++ {
		idx := (h + i) & r.mask
		slot := &r.slots[idx]
		current := slot.Load()

		if current == ptr {
			return true
		}
		if current == nil || current == r.tombstone {
			expected := current
			for {
				if expected == ptr {
					return true
				}
				if slot.CompareAndSwap(expected, ptr) {
					return true
				}
				expected = slot.Load()
				if expected != current && expected != r.tombstone {
					break
				}
			}
		}
	}
	return false
}

// Remove replaces ptr's slot with the tombstone sentinel, preserving probe
// chains for every other entry. It returns false if ptr was never found.
func (r *Registry[T]) Remove(ptr *T) bool {
	if ptr == nil {
		return false
	}
	h := r.hash(ptr)
	n := uint64(len(r.slots))

	for i := uint64(0); i < n; i++ {
		idx := (h + i) & r.mask
		slot := &r.slots[idx]
		current := slot.Load()

		if current == ptr {
			for current != nil && current != r.tombstone {
				if slot.CompareAndSwap(current, r.tombstone) {
					return true
				}
				current = slot.Load()
			}
			return true
		}
		if current == nil {
			return false
		}
	}
	return false
}

// Contains reports whether ptr is currently held in the registry.
func (r *Registry[T]) Contains(ptr *T) bool {
	if ptr == nil {
		return false
	}
	h := r.hash(ptr)
	n := uint64(len(r.slots))

	for i := uint64(0); i < n; i++ {
		idx := (h + i) & r.mask
		current := r.slots[idx].Load()
		if current == ptr {
			return true
		}
		if current == nil {
			return false
		}
	}
	return false
}

// Snapshot returns every pointer currently held, excluding tombstones. The
// result reflects no single consistent instant across slots (a caller
// scanning concurrently with Add/Remove may see a pointer that was added
// just after the scan began, or miss one removed just before); a reclaim
// pass only needs a view at least as fresh as the corresponding hazard
// publish, not a frozen snapshot.
func (r *Registry[T]) Snapshot() []*T {
	out := make([]*T, 0, len(r.slots)/2)
	for i := range r.slots {
		if p := r.slots[i].Load(); p != nil && p != r.tombstone {
			out = append(out, p)
		}
	}
	return out
}

// Clear empties every slot back to nil.
func (r *Registry[T]) Clear() {
	for i := range r.slots {
		r.slots[i].Store(nil)
	}
}

// fmix64 is the MurmurHash3 finalizer, ported verbatim from
// original_source/src/Hasher.cpp. Any near-uniform avalanche mix would
// satisfy the probe space's distribution needs; this is the one already
// proven out for exactly this purpose.
func fmix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}
