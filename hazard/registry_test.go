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

package hazard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAddContainsRemove(t *testing.T) {
	reg := NewRegistry[int](4)
	v := new(int)

	assert.False(t, reg.Contains(v))
	require.True(t, reg.Add(v))
	assert.True(t, reg.Contains(v))
	require.True(t, reg.Remove(v))
	assert.False(t, reg.Contains(v))
}

func TestAddIsIdempotent(t *testing.T) {
	reg := NewRegistry[int](4)
	v := new(int)

	require.True(t, reg.Add(v))
	require.True(t, reg.Add(v))

	snap := reg.Snapshot()
	count := 0
	for _, p := range snap {
		if p == v {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRemoveUnknownPointerFails(t *testing.T) {
	reg := NewRegistry[int](4)
	assert.False(t, reg.Remove(new(int)))
}

func TestNilPointerIsRejected(t *testing.T) {
	reg := NewRegistry[int](4)
	assert.False(t, reg.Add(nil))
	assert.False(t, reg.Remove(nil))
	assert.False(t, reg.Contains(nil))
}

// TestCapacityRoundsToPowerOfTwoRejectsFifthAdd covers the boundary case: a
// registry requested with capacity 2 rounds up to 4 probe slots (2x for
// load factor), so a fifth distinct live pointer has nowhere to probe into
// and Add must fail rather than silently overwrite an existing entry.
func TestCapacityRoundsToPowerOfTwoRejectsFifthAdd(t *testing.T) {
	reg := NewRegistry[int](2)
	require.Equal(t, 4, reg.Capacity())

	ptrs := make([]*int, 4)
	for i := range ptrs {
		ptrs[i] = new(int)
		require.True(t, reg.Add(ptrs[i]), "add %d should have room", i)
	}

	assert.False(t, reg.Add(new(int)), "fifth distinct pointer must be rejected")
}

func TestRemoveThenReAddReusesSlot(t *testing.T) {
	reg := NewRegistry[int](1)
	a, b := new(int), new(int)

	require.True(t, reg.Add(a))
	require.True(t, reg.Remove(a))
	require.True(t, reg.Add(b))
	assert.True(t, reg.Contains(b))
}

func TestClearEmptiesRegistry(t *testing.T) {
	reg := NewRegistry[int](4)
	for i := 0; i < 4; i++ {
		reg.Add(new(int))
	}
	reg.Clear()
	assert.Empty(t, reg.Snapshot())
}

func TestSnapshotExcludesTombstones(t *testing.T) {
	reg := NewRegistry[int](4)
	a, b := new(int), new(int)
	require.True(t, reg.Add(a))
	require.True(t, reg.Add(b))
	require.True(t, reg.Remove(a))

	snap := reg.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, b, snap[0])
}

// TestConcurrentAddRemoveNeverLosesAnEntry runs many goroutines adding and
// removing their own distinct pointer into a shared registry sized with
// headroom, and checks every surviving pointer is reachable via Contains.
func TestConcurrentAddRemoveNeverLosesAnEntry(t *testing.T) {
	const n = 64
	reg := NewRegistry[int](n)

	ptrs := make([]*int, n)
	for i := range ptrs {
		ptrs[i] = new(int)
	}

	var grp errgroup.Group
	for i := range ptrs {
		p := ptrs[i]
		grp.Go(func() error {
			if !reg.Add(p) {
				t.Errorf("add failed for pointer %d with headroom", i)
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())

	for i, p := range ptrs {
		assert.True(t, reg.Contains(p), "pointer %d missing after concurrent add", i)
	}

	var mu sync.Mutex
	var removed int
	grp = errgroup.Group{}
	for i := range ptrs {
		p := ptrs[i]
		grp.Go(func() error {
			if reg.Remove(p) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	assert.Equal(t, n, removed)
	assert.Empty(t, reg.Snapshot())
}

func BenchmarkAddRemove(b *testing.B) {
	reg := NewRegistry[int](64)
	v := new(int)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Add(v)
		reg.Remove(v)
	}
}

func BenchmarkSnapshotAtHalfOccupancy(b *testing.B) {
	reg := NewRegistry[int](256)
	for i := 0; i < 256; i++ {
		reg.Add(new(int))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Snapshot()
	}
}
