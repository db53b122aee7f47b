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

package retire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noneHazardous(*int) bool { return false }

func TestRetireThenReclaimWithNoHazards(t *testing.T) {
	l := NewList[int](8, noneHazardous)
	p := new(int)
	l.Retire(p)
	assert.Equal(t, 1, l.Size())

	n := l.Reclaim()
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, l.Size())
}

// TestRetireWithMatchingHazardDefers reproduces the scenario where a scan
// finds the retired pointer still protected: Reclaim must leave it in the
// list rather than running its deleter.
func TestRetireWithMatchingHazardDefers(t *testing.T) {
	p := new(int)
	l := NewList[int](8, func(ptr *int) bool { return ptr == p })

	l.Retire(p)
	n := l.Reclaim()
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, l.Size())
}

func TestRetireFuncRunsDeleterExactlyOnce(t *testing.T) {
	calls := 0
	p := new(int)
	l := NewList[int](8, noneHazardous)
	l.RetireFunc(p, func(*int) { calls++ })

	l.Reclaim()
	l.Reclaim()
	assert.Equal(t, 1, calls)
}

func TestRetireSharedKeepsOwnerUntilReclaimed(t *testing.T) {
	type owner struct{ held *int }
	p := new(int)
	o := &owner{held: p}
	protected := true

	l := NewList[int](8, func(*int) bool { return protected })
	l.RetireShared(p, o)
	assert.Equal(t, 0, l.Reclaim())

	protected = false
	assert.Equal(t, 1, l.Reclaim())
}

func TestReclaimWithOverridesDefaultPredicate(t *testing.T) {
	p := new(int)
	l := NewList[int](8, func(*int) bool { return true })

	l.Retire(p)
	assert.Equal(t, 0, l.Reclaim())
	assert.Equal(t, 1, l.ReclaimWith(noneHazardous))
}

func TestClearReclaimsRegardlessOfHazardStatus(t *testing.T) {
	l := NewList[int](8, func(*int) bool { return true })
	for i := 0; i < 4; i++ {
		l.Retire(new(int))
	}
	l.Clear()
	assert.Equal(t, 0, l.Size())
}

// TestProactiveGrowthTriggersReclaimPass reproduces RetireMap's
// should_resize boundary: a list seeded with threshold 8 starts triggering
// a reclaim-and-grow pass once occupancy exceeds threshold - threshold/5
// = 7 entries.
func TestProactiveGrowthTriggersReclaimPass(t *testing.T) {
	reclaimable := true
	l := NewList[int](8, func(*int) bool { return !reclaimable })
	require.Equal(t, 8, l.Threshold())

	reclaimable = false
	for i := 0; i < 7; i++ {
		l.Retire(new(int))
	}
	assert.Equal(t, 7, l.Size(), "below the resize trigger, nothing reclaims yet")

	reclaimable = true
	l.Retire(new(int))
	assert.Equal(t, 0, l.Size(), "crossing the trigger reclaims everything now hazard-free")
	assert.Greater(t, l.Threshold(), 8)
}

func TestNilPointerIsIgnored(t *testing.T) {
	l := NewList[int](8, noneHazardous)
	assert.False(t, l.Retire(nil))
	assert.Equal(t, 0, l.Size())
}

func TestRetireReportsTrueOnFirstInsert(t *testing.T) {
	l := NewList[int](8, noneHazardous)
	assert.True(t, l.Retire(new(int)))
}

// TestRetireOfAlreadyRetiredAddressReturnsFalse covers the idempotent-false
// case: retiring the same address twice before it's reclaimed must not
// silently replace the first entry's deleter.
func TestRetireOfAlreadyRetiredAddressReturnsFalse(t *testing.T) {
	calls := 0
	p := new(int)
	l := NewList[int](8, func(*int) bool { return true })

	require.True(t, l.RetireFunc(p, func(*int) { calls++ }))
	assert.False(t, l.Retire(p), "retiring an address already present must report false")
	assert.Equal(t, 1, l.Size())

	l.ReclaimWith(noneHazardous)
	assert.Equal(t, 1, calls, "the original deleter must run exactly once")
}

// TestRetireAtCapacityWithNoReclaimableEntriesReturnsFalse covers the
// resource-exhausted-transient case: a list already at threshold, where
// every entry is still hazardous, must refuse a new retire rather than
// growing without bound.
func TestRetireAtCapacityWithNoReclaimableEntriesReturnsFalse(t *testing.T) {
	l := NewList[int](2, func(*int) bool { return true })
	require.Equal(t, 2, l.Threshold())

	require.True(t, l.Retire(new(int)))
	require.True(t, l.Retire(new(int)))
	assert.Equal(t, 2, l.Size())

	assert.False(t, l.Retire(new(int)), "retire must back-pressure once full and nothing reclaims")
	assert.Equal(t, 2, l.Size())
}

// TestRetireAtCapacityReclaimsThenAcceptsTheNewEntry covers the other half
// of the same boundary: if reclaiming at threshold frees room, the new
// pointer is recorded and Retire reports true.
func TestRetireAtCapacityReclaimsThenAcceptsTheNewEntry(t *testing.T) {
	reclaimable := false
	l := NewList[int](2, func(*int) bool { return !reclaimable })

	require.True(t, l.Retire(new(int)))
	require.True(t, l.Retire(new(int)))
	require.Equal(t, 2, l.Size())

	reclaimable = true
	assert.True(t, l.Retire(new(int)))
	assert.Equal(t, 1, l.Size(), "the two stale entries reclaim, leaving only the new one")
}

func TestResizeRoundsUpToPowerOfTwo(t *testing.T) {
	l := NewList[int](1, noneHazardous)
	l.Resize(10)
	assert.Equal(t, 16, l.Threshold())
}

func BenchmarkRetireReclaimNoHazards(b *testing.B) {
	l := NewList[int](1024, noneHazardous)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Retire(new(int))
		l.Reclaim()
	}
}
