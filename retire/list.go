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

// Package retire holds pointers that a writer has unlinked but that may
// still be visible to a concurrent reader, until a scan proves no reader
// holds them as a hazard and they can be handed back to the garbage
// collector (or, for a caller-supplied deleter, explicitly finalized).
//
// A List is single-writer, like hazard.Registry: only the thread that owns
// it calls Retire/Reclaim/Clear. The hazard predicate it scans against,
// however, is expected to consult state shared across every thread in the
// system, since a pointer retired by one thread may be protected by
// another.
package retire

import "math/bits"

type deleterKind uint8

const (
	kindDefault deleterKind = iota
	kindSharedOwner
	kindCustom
)

// deleter mirrors RetireMap::Deleter's tagged union: a default entry just
// drops its last strong reference and lets the collector do the rest; a
// shared-owner entry keeps a second reference alive (standing in for a
// shared_ptr's refcount) until reclaimed; a custom entry runs a
// caller-supplied finalizer exactly once.
type deleter[T any] struct {
	kind  deleterKind
	owner any
	fn    func(*T)
}

func (d deleter[T]) run(ptr *T) {
	switch d.kind {
	case kindCustom:
		if d.fn != nil {
			d.fn(ptr)
		}
	case kindSharedOwner, kindDefault:
		// Dropping the map entry (and, for kindSharedOwner, the owner
		// reference alongside it) is the entire action: Go's collector
		// reclaims the memory once nothing still points at it.
	}
}

// List is an address-keyed table of retired-but-not-yet-reclaimed pointers.
// threshold governs when Retire proactively grows the table and attempts a
// reclaim pass rather than waiting for the caller to call Reclaim.
type List[T any] struct {
	entries   map[*T]deleter[T]
	threshold int
	isHazard  func(*T) bool
}

// NewList constructs a retire list. isHazard reports whether ptr is
// currently protected by some reader and therefore not yet safe to
// reclaim; threshold seeds the proactive-reclaim-and-grow trigger and is
// rounded up to a power of two, matching RetireMap's bit_ceil sizing.
func NewList[T any](threshold int, isHazard func(*T) bool) *List[T] {
	if threshold <= 0 {
		threshold = 1
	}
	return &List[T]{
		entries:   make(map[*T]deleter[T]),
		threshold: bitCeil(threshold),
		isHazard:  isHazard,
	}
}

func bitCeil(v int) int {
	if v <= 1 {
		return 1
	}
	return 1 << uint(bits.Len(uint(v-1)))
}

// Retire records ptr as no longer reachable from the structure but
// possibly still hazardous. It is the Default-deleter variant: once no
// reader protects ptr, the entry is simply dropped.
//
// Retire is idempotent-false, not idempotent-true: calling it twice for
// the same address does not run the deleter twice, but the second call
// reports false rather than silently overwriting the first entry's
// deleter. It also back-pressures: if occupancy is already at threshold,
// Retire first attempts a reclaim pass, and if that pass frees nothing,
// ptr is not recorded at all and Retire returns false.
func (l *List[T]) Retire(ptr *T) bool {
	return l.retire(ptr, deleter[T]{kind: kindDefault})
}

// RetireFunc records ptr with a custom finalizer to run exactly once, at
// the moment a scan proves no reader still protects it. See Retire for
// the idempotence and back-pressure semantics of the returned bool.
func (l *List[T]) RetireFunc(ptr *T, fn func(*T)) bool {
	return l.retire(ptr, deleter[T]{kind: kindCustom, fn: fn})
}

// RetireShared records ptr alongside an additional owner reference (for
// example a struct embedding ptr, or a second handle sharing its
// lifetime). The owner is kept reachable until reclaim, mirroring a
// shared_ptr's extra refcount; it has no effect beyond that on Go's
// collector, but it documents and enforces the ownership link. See
// Retire for the idempotence and back-pressure semantics of the
// returned bool.
func (l *List[T]) RetireShared(ptr *T, owner any) bool {
	return l.retire(ptr, deleter[T]{kind: kindSharedOwner, owner: owner})
}

func (l *List[T]) retire(ptr *T, d deleter[T]) bool {
	if ptr == nil {
		return false
	}
	if l.entries == nil {
		l.entries = make(map[*T]deleter[T])
	}
	if _, exists := l.entries[ptr]; exists {
		return false
	}

	if len(l.entries) >= l.threshold {
		if l.reclaimWith(l.isHazard) == 0 {
			return false
		}
	}

	l.entries[ptr] = d

	if l.shouldResize() {
		l.resize()
	}
	return true
}

// shouldResize reports whether occupancy has passed 80% of threshold,
// mirroring RetireMap::should_resize's ">threshold - threshold/5" check.
func (l *List[T]) shouldResize() bool {
	return len(l.entries) > l.threshold-l.threshold/5
}

// resize grows the trigger threshold by roughly 20%, rounded up to a power
// of two, and immediately attempts a reclaim pass so growth and collection
// make progress together rather than the table growing unboundedly under a
// workload that never calls Reclaim explicitly.
func (l *List[T]) resize() {
	grown := l.threshold + l.threshold/5
	if grown <= l.threshold {
		grown = l.threshold + 1
	}
	l.threshold = bitCeil(grown)
	l.reclaimWith(l.isHazard)
}

// Reclaim scans every retired pointer and, for each one not currently
// reported hazardous, runs its deleter and drops it from the list. It
// returns the number of entries reclaimed.
func (l *List[T]) Reclaim() int {
	return l.reclaimWith(l.isHazard)
}

// ReclaimWith scans using an overriding hazard predicate for this pass
// only, without disturbing the list's default predicate. A coordinator
// typically uses this to pass a freshly gathered snapshot of every live
// thread's hazards rather than re-querying per pointer.
func (l *List[T]) ReclaimWith(isHazard func(*T) bool) int {
	return l.reclaimWith(isHazard)
}

func (l *List[T]) reclaimWith(isHazard func(*T) bool) int {
	if isHazard == nil {
		isHazard = func(*T) bool { return false }
	}
	reclaimed := 0
	for ptr, d := range l.entries {
		if isHazard(ptr) {
			continue
		}
		d.run(ptr)
		delete(l.entries, ptr)
		reclaimed++
	}
	return reclaimed
}

// Size returns the number of pointers currently retired and not yet
// reclaimed.
func (l *List[T]) Size() int {
	return len(l.entries)
}

// Clear drops every retired entry, running each deleter regardless of
// hazard status. Callers use this only when certain no reader remains —
// typically at teardown.
func (l *List[T]) Clear() {
	for ptr, d := range l.entries {
		d.run(ptr)
		delete(l.entries, ptr)
	}
}

// Resize directly sets the proactive-reclaim trigger threshold (rounded up
// to a power of two), without running a reclaim pass.
func (l *List[T]) Resize(threshold int) {
	if threshold <= 0 {
		threshold = 1
	}
	l.threshold = bitCeil(threshold)
}

// Threshold returns the current proactive-reclaim trigger.
func (l *List[T]) Threshold() int {
	return l.threshold
}
