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

// Package hazardsystem ties bitmap, slot, hazard, retire and threadreg
// together into the publish-then-verify hazard pointer protocol: Protect
// (or ProtectCell) publishes a hazard before a reader trusts a pointer it
// read from shared memory; Retire defers a writer's unlinked pointer until
// no reader's published hazard still names it; Reclaim (or ReclaimAll,
// across every thread's retire list) runs that check and frees what it can.
package hazardsystem

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dijkstracula/go-hazardsystem/hazard"
	"github.com/dijkstracula/go-hazardsystem/retire"
	"github.com/dijkstracula/go-hazardsystem/slot"
	"github.com/dijkstracula/go-hazardsystem/threadreg"
)

// Coordinator is the process-wide authority for one protected type T: it
// owns a thread registry, one process-wide slot.Table that bounds how many
// hazards may be outstanding at once, one hazard.Registry per registered
// thread, and one retire.List per registered thread. It answers "is ptr
// hazardous anywhere right now?" by scanning every thread's registry.
//
// C++ gets one Coordinator per template instantiation for free, as static
// storage keyed by the type parameter at compile time. Go generics carry
// no such per-instantiation storage, so Instance below keys a process-wide
// sync.Map on reflect.Type to get the same "exactly one Coordinator per T"
// guarantee at run time.
type Coordinator[T any] struct {
	threads *threadreg.Registry
	slots   *slot.Table[T]

	mu          sync.RWMutex
	hazardRegs  []*hazard.Registry[T]
	retireLists []*retire.List[T]

	hazardCapacity  int
	retireThreshold int
}

var coordinators sync.Map // reflect.Type -> *coordinatorSlot (ptr holds the *Coordinator[T])

type coordinatorSlot struct {
	once sync.Once
	ptr  any
}

// Instance returns the single process-wide Coordinator for T, constructing
// it on first call with the given slot table capacity (the hard ceiling
// on hazards outstanding across every thread at once), per-thread hazard
// registry capacity, and retire threshold. Later calls ignore their
// arguments and return the existing instance, matching a C++ static
// local's first-caller-wins initialization.
func Instance[T any](slotCapacity, hazardCapacity, retireThreshold int) *Coordinator[T] {
	key := reflect.TypeOf((*T)(nil))
	slotAny, _ := coordinators.LoadOrStore(key, &coordinatorSlot{})
	cslot := slotAny.(*coordinatorSlot)

	cslot.once.Do(func() {
		cslot.ptr = newCoordinator[T](slotCapacity, hazardCapacity, retireThreshold)
	})
	return cslot.ptr.(*Coordinator[T])
}

func newCoordinator[T any](slotCapacity, hazardCapacity, retireThreshold int) *Coordinator[T] {
	return &Coordinator[T]{
		threads:         threadreg.New(threadreg.DefaultCapacity),
		slots:           slot.NewTable[T](slotCapacity),
		hazardRegs:      make([]*hazard.Registry[T], threadreg.DefaultCapacity),
		retireLists:     make([]*retire.List[T], threadreg.DefaultCapacity),
		hazardCapacity:  hazardCapacity,
		retireThreshold: retireThreshold,
	}
}

// currentSlot registers the calling goroutine if needed and returns its
// per-thread hazard registry and retire list, creating them lazily.
func (c *Coordinator[T]) currentSlot() (*hazard.Registry[T], *retire.List[T], bool) {
	id, ok := c.threads.RegisterCurrentThread()
	if !ok {
		return nil, nil, false
	}

	c.mu.RLock()
	hr := c.hazardRegs[id]
	rl := c.retireLists[id]
	c.mu.RUnlock()
	if hr != nil && rl != nil {
		return hr, rl, true
	}

	c.mu.Lock()
	if c.hazardRegs[id] == nil {
		c.hazardRegs[id] = hazard.NewRegistry[T](c.hazardCapacity)
	}
	if c.retireLists[id] == nil {
		c.retireLists[id] = retire.NewList[T](c.retireThreshold, c.isProtectedAnywhere)
	}
	hr, rl = c.hazardRegs[id], c.retireLists[id]
	c.mu.Unlock()
	return hr, rl, true
}

// isProtectedAnywhere reports whether any registered thread's hazard
// registry currently holds ptr. It is the predicate every thread's
// retire.List uses, since a pointer retired by one thread may be read and
// protected by a completely different one.
func (c *Coordinator[T]) isProtectedAnywhere(ptr *T) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, hr := range c.hazardRegs {
		if hr != nil && hr.Contains(ptr) {
			return true
		}
	}
	return false
}

// Protect acquires a slot from the process-wide slot table, stores ptr
// into it, publishes ptr as a hazard for the calling goroutine, and
// returns a GuardedRef witnessing both. It returns ok=false if ptr is
// nil, the calling goroutine could not be registered, the slot table is
// already at capacity, or the goroutine's hazard registry is already
// full.
//
// A thread's hazard registry tracks protected addresses, not protecting
// calls: two GuardedRefs obtained by the same goroutine for the same
// pointer share one underlying registry entry, and resetting either one
// releases both (their slot table cells remain independent). Callers
// needing independent lifetimes for the same pointer should protect it
// from separate goroutines, or keep only one GuardedRef per address per
// goroutine alive at a time.
func (c *Coordinator[T]) Protect(ptr *T) (*GuardedRef[T], bool) {
	if ptr == nil {
		return nil, false
	}
	hr, _, ok := c.currentSlot()
	if !ok {
		return nil, false
	}
	idx, ok := c.slots.Acquire()
	if !ok {
		return nil, false
	}
	c.slots.Set(idx, ptr)
	if !hr.Add(ptr) {
		c.slots.Release(idx)
		return nil, false
	}
	return &GuardedRef[T]{ptr: ptr, release: func() {
		hr.Remove(ptr)
		c.slots.Release(idx)
	}}, true
}

// ProtectCell implements the publish-then-verify protocol against a
// concurrently-mutated pointer cell: it acquires a slot from the
// process-wide slot table, repeatedly reads cell, stores what it read into
// the slot and publishes it as a hazard, and re-reads cell to confirm the
// value hasn't changed out from under it before trusting the hazard as
// valid. A writer that unlinks a node always retires the old value only
// after the swap is visible, so this loop is guaranteed to terminate in a
// bounded number of retries proportional to writer contention, never
// indefinitely. It returns ok=false if cell is currently nil, the calling
// goroutine could not be registered, the slot table is at capacity, or the
// goroutine's hazard registry is full.
func (c *Coordinator[T]) ProtectCell(cell *atomic.Pointer[T]) (*GuardedRef[T], bool) {
	hr, _, ok := c.currentSlot()
	if !ok {
		return nil, false
	}
	idx, ok := c.slots.Acquire()
	if !ok {
		return nil, false
	}
	for {
		p := cell.Load()
		if p == nil {
			c.slots.Release(idx)
			return nil, false
		}
		c.slots.Set(idx, p)
		if !hr.Add(p) {
			c.slots.Release(idx)
			return nil, false
		}
		if cell.Load() == p {
			return &GuardedRef[T]{ptr: p, release: func() {
				hr.Remove(p)
				c.slots.Release(idx)
			}}, true
		}
		hr.Remove(p)
	}
}

// TryProtectCell is ProtectCell without the retry: it attempts exactly one
// publish-then-verify round against a slot acquired from the process-wide
// slot table, and reports failure, rather than looping, if cell changed
// underneath it. Callers that would rather retry at a higher level
// (backing off, re-reading other state) use this instead of ProtectCell's
// built-in loop.
func (c *Coordinator[T]) TryProtectCell(cell *atomic.Pointer[T]) (*GuardedRef[T], bool) {
	hr, _, ok := c.currentSlot()
	if !ok {
		return nil, false
	}
	idx, ok := c.slots.Acquire()
	if !ok {
		return nil, false
	}
	p := cell.Load()
	if p == nil {
		c.slots.Release(idx)
		return nil, false
	}
	c.slots.Set(idx, p)
	if !hr.Add(p) {
		c.slots.Release(idx)
		return nil, false
	}
	if cell.Load() != p {
		hr.Remove(p)
		c.slots.Release(idx)
		return nil, false
	}
	return &GuardedRef[T]{ptr: p, release: func() {
		hr.Remove(p)
		c.slots.Release(idx)
	}}, true
}

// Retire records ptr as unlinked and possibly still hazardous, deferring
// its reclamation until a scan proves no thread protects it. It returns
// false if ptr is nil, the calling goroutine could not be registered, ptr
// is already retired and not yet reclaimed, or the caller's retire list
// is already at threshold and a reclaim pass freed nothing.
func (c *Coordinator[T]) Retire(ptr *T) bool {
	_, rl, ok := c.currentSlot()
	if !ok || ptr == nil {
		return false
	}
	return rl.Retire(ptr)
}

// Reclaim scans the calling goroutine's own retired pointers against every
// thread's published hazards and frees whatever is no longer protected. It
// returns the number of pointers reclaimed.
func (c *Coordinator[T]) Reclaim() int {
	_, rl, ok := c.currentSlot()
	if !ok {
		return 0
	}
	return rl.Reclaim()
}

// ReclaimAll scans every registered thread's retire list, not just the
// caller's own, so pointers retired by a thread that never calls Reclaim
// itself still get freed. The retire lists are not synchronized for
// concurrent use, so ReclaimAll must only run while no other goroutine is
// retiring or reclaiming (for example, at teardown).
func (c *Coordinator[T]) ReclaimAll() int {
	c.mu.RLock()
	lists := make([]*retire.List[T], 0, len(c.retireLists))
	for _, rl := range c.retireLists {
		if rl != nil {
			lists = append(lists, rl)
		}
	}
	c.mu.RUnlock()

	total := 0
	for _, rl := range lists {
		total += rl.Reclaim()
	}
	return total
}

// Clear releases every thread's hazards and drops every retired pointer
// regardless of hazard status. It is meant for test teardown and process
// shutdown, never for use while other threads may still be protecting or
// retiring pointers.
func (c *Coordinator[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots.Clear()
	for _, hr := range c.hazardRegs {
		if hr != nil {
			hr.Clear()
		}
	}
	for _, rl := range c.retireLists {
		if rl != nil {
			rl.Clear()
		}
	}
}

// SlotCapacity returns the process-wide slot table capacity this
// Coordinator was constructed with — the hard ceiling on hazards
// outstanding across every thread at once.
func (c *Coordinator[T]) SlotCapacity() int {
	return c.slots.Capacity()
}

// HazardCapacity returns the per-thread hazard registry capacity this
// Coordinator was constructed with.
func (c *Coordinator[T]) HazardCapacity() int {
	return c.hazardCapacity
}

// HazardSize returns the total number of live hazards published across
// every registered thread.
func (c *Coordinator[T]) HazardSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, hr := range c.hazardRegs {
		if hr != nil {
			total += len(hr.Snapshot())
		}
	}
	return total
}

// RetireSize returns the total number of pointers retired but not yet
// reclaimed, across every registered thread.
func (c *Coordinator[T]) RetireSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, rl := range c.retireLists {
		if rl != nil {
			total += rl.Size()
		}
	}
	return total
}
