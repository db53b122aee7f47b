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

// Package slot implements a fixed-capacity array of atomic published-pointer
// cells layered on a bitmap.Tree. Acquiring a slot reserves a cell for the
// caller; the cell is published to readers by Set and returned to the free
// pool by Release. No allocation happens after construction.
package slot

import (
	"sync/atomic"

	"github.com/dijkstracula/go-hazardsystem/bitmap"
)

const (
	planeAvailable = 0
	planeNonEmpty  = 1
)

// Table is a lock-free array of published-pointer cells. The zero value is
// not usable; construct with NewTable.
type Table[T any] struct {
	cells []atomic.Pointer[T]
	index bitmap.Tree
}

// NewTable constructs a table with room for capacity concurrent hazards.
// capacity must be positive.
func NewTable[T any](capacity int) *Table[T] {
	if capacity <= 0 {
		return nil
	}
	tbl := &Table[T]{
		cells: make([]atomic.Pointer[T], capacity),
	}
	tbl.index.InitPlanes(capacity, 2)
	tbl.index.ResetAllSet(planeAvailable)
	return tbl
}

// Capacity returns the number of cells in the table.
func (tbl *Table[T]) Capacity() int {
	return len(tbl.cells)
}

// Acquire reserves a free cell and returns its index. It returns false when
// every cell is currently held.
func (tbl *Table[T]) Acquire() (int, bool) {
	hint := 0
	for {
		idx, ok := tbl.index.FindNext(hint, planeAvailable)
		if !ok {
			return 0, false
		}
		if tbl.index.Clear(idx, planeAvailable) {
			return idx, true
		}
		// Lost the race for this bit to another acquirer; keep scanning
		// from the same word instead of restarting from zero.
		hint = idx
	}
}

// Release returns idx to the free pool. It does not touch the payload cell;
// callers must clear the cell (or accept a stale pointer being overwritten
// on the next acquire/Set) themselves — see the protect protocol in package
// hazardsystem, which always calls Set before Release.
func (tbl *Table[T]) Release(idx int) bool {
	if idx < 0 || idx >= len(tbl.cells) {
		return false
	}
	return tbl.index.Set(idx, planeAvailable)
}

// Set publishes p into cell idx with release ordering and updates the
// non-empty plane as a best-effort hint for ForEachFast.
func (tbl *Table[T]) Set(idx int, p *T) bool {
	if idx < 0 || idx >= len(tbl.cells) {
		return false
	}
	tbl.cells[idx].Store(p)
	if p != nil {
		tbl.index.Set(idx, planeNonEmpty)
	}
	return true
}

// At loads cell idx with acquire ordering, returning nil if idx is out of
// range.
func (tbl *Table[T]) At(idx int) *T {
	if idx < 0 || idx >= len(tbl.cells) {
		return nil
	}
	return tbl.cells[idx].Load()
}

// Active reports whether idx is currently acquired (its availability bit is
// clear).
func (tbl *Table[T]) Active(idx int) bool {
	if idx < 0 || idx >= len(tbl.cells) {
		return false
	}
	next, ok := tbl.index.FindNext(idx, planeAvailable)
	return !(ok && next == idx)
}

// Size returns the number of cells currently acquired.
func (tbl *Table[T]) Size() int {
	count := 0
	for idx := range tbl.cells {
		if tbl.Active(idx) {
			count++
		}
	}
	return count
}

// ForEach visits every cell regardless of the non-empty hint, loading each
// with acquire ordering.
func (tbl *Table[T]) ForEach(f func(idx int, p *T)) {
	for idx := range tbl.cells {
		if p := tbl.cells[idx].Load(); p != nil {
			f(idx, p)
		}
	}
}

// ForEachFast walks only the non-empty plane's set bits, skipping a
// stale-set bit whose cell has since gone nil.
func (tbl *Table[T]) ForEachFast(f func(idx int, p *T)) {
	start := 0
	for {
		idx, ok := tbl.index.FindNext(start, planeNonEmpty)
		if !ok {
			return
		}
		if p := tbl.cells[idx].Load(); p != nil {
			f(idx, p)
		}
		start = idx + 1
	}
}

// Clear resets every cell to nil and every slot to available.
func (tbl *Table[T]) Clear() {
	for idx := range tbl.cells {
		tbl.cells[idx].Store(nil)
	}
	tbl.index.ResetAllSet(planeAvailable)
	tbl.index.ResetAllClear(planeNonEmpty)
}
