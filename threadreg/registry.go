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

// Package threadreg assigns small, dense integer identities to goroutines
// that opt in, so that per-goroutine structures (a hazard.Registry, a
// retire.List) can live in a fixed-size slab indexed by identity instead of
// behind a map keyed on a goroutine id.
//
// Go has no equivalent of thread_local storage, so where the system this
// was adapted from reads a thread-local variable, this package instead
// keys off the calling goroutine's id, obtained via
// github.com/petermattis/goid — the same technique that library's own
// users (connection pools, ORMs emulating sticky sessions) rely on.
package threadreg

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// DefaultCapacity is used by New when no capacity is given, mirroring
// ThreadRegistry's MAX_THREADS default.
const DefaultCapacity = 256

// Registry assigns each registered goroutine a dense slot in
// [0, Capacity()). A goroutine must call RegisterCurrentThread before any
// other method observes it as registered.
type Registry struct {
	used   []atomic.Bool
	byGoid sync.Map // int64 goroutine id -> int slot
}

// New constructs a registry with room for capacity concurrently registered
// goroutines. capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{used: make([]atomic.Bool, capacity)}
}

// Capacity returns the maximum number of simultaneously registered
// goroutines.
func (r *Registry) Capacity() int {
	return len(r.used)
}

// RegisterCurrentThread claims the lowest free slot for the calling
// goroutine and returns it. Calling it again from the same goroutine
// without an intervening Unregister returns the same slot. It returns
// ok=false only once every slot is occupied by a different live goroutine.
func (r *Registry) RegisterCurrentThread() (slot int, ok bool) {
	gid := goid.Get()
	if existing, found := r.byGoid.Load(gid); found {
		return existing.(int), true
	}

	for i := range r.used {
		if r.used[i].CompareAndSwap(false, true) {
			if _, loaded := r.byGoid.LoadOrStore(gid, i); loaded {
				// Lost a race against a concurrent registration from the
				// same goroutine id (impossible for a single goroutine, but
				// cheap to handle): release the slot we just claimed.
				r.used[i].Store(false)
				existing, _ := r.byGoid.Load(gid)
				return existing.(int), true
			}
			return i, true
		}
	}
	return 0, false
}

// UnregisterCurrentThread releases the calling goroutine's slot. It
// returns false if the goroutine was never registered.
func (r *Registry) UnregisterCurrentThread() bool {
	gid := goid.Get()
	slot, found := r.byGoid.LoadAndDelete(gid)
	if !found {
		return false
	}
	r.used[slot.(int)].Store(false)
	return true
}

// IsRegistered reports whether the calling goroutine currently holds a
// slot.
func (r *Registry) IsRegistered() bool {
	_, found := r.byGoid.Load(goid.Get())
	return found
}

// CurrentID returns the calling goroutine's slot, if registered.
func (r *Registry) CurrentID() (slot int, ok bool) {
	v, found := r.byGoid.Load(goid.Get())
	if !found {
		return 0, false
	}
	return v.(int), true
}

// Size returns the number of currently registered goroutines.
func (r *Registry) Size() int {
	count := 0
	for i := range r.used {
		if r.used[i].Load() {
			count++
		}
	}
	return count
}
