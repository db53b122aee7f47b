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

package hazardsystem

// noCopy makes `go vet -copylocks` flag accidental copies of a GuardedRef,
// the same trick sync.WaitGroup and sync.Mutex use to catch at
// compile-review time what ProtectedPointer's deleted C++ copy constructor
// caught at compile time.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// GuardedRef witnesses that its holder has a live hazard pointer
// published against ptr: as long as the GuardedRef exists and hasn't been
// Reset, no Coordinator.Reclaim call anywhere in the process will free
// ptr. A GuardedRef must not be copied; pass it by pointer or let it go
// out of scope after calling Reset.
type GuardedRef[T any] struct {
	_       noCopy
	ptr     *T
	release func()
}

// Valid reports whether this GuardedRef still protects a pointer.
func (g *GuardedRef[T]) Valid() bool {
	return g != nil && g.ptr != nil
}

// Get returns the protected pointer, or nil if this GuardedRef is empty or
// has been Reset.
func (g *GuardedRef[T]) Get() *T {
	if g == nil {
		return nil
	}
	return g.ptr
}

// Deref dereferences the protected pointer. It panics if the GuardedRef is
// empty, exactly as dereferencing a nil *T would.
func (g *GuardedRef[T]) Deref() T {
	return *g.ptr
}

// Reset releases the hazard, if any, making the protected pointer eligible
// for reclamation again. It is idempotent and safe to call on a zero-value
// or already-reset GuardedRef.
func (g *GuardedRef[T]) Reset() {
	if g == nil || g.ptr == nil {
		return
	}
	if g.release != nil {
		g.release()
	}
	g.ptr = nil
	g.release = nil
}
