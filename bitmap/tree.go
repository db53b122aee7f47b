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

// Package bitmap implements a lock-free hierarchical summary over one or more
// bitsets ("planes"). A leaf bit set to 1 means "present" in that plane; each
// internal level summarizes which 64-bit words of the level below are
// non-zero, so a global "does any bit exist" query costs one word load and a
// search for the next set bit costs O(log N) word loads in the worst case.
//
// Three modes exist, chosen at Init time and never changed afterwards:
//
//   - empty: zero leaf bits, no storage.
//   - singleWord: at most 64 leaf bits, one atomic word per plane.
//   - tree: more than 64 leaf bits, a flat array of atomic words partitioned
//     by plane and by level.
//
// All mutation is lock-free; Set/Clear use relaxed ordering because the
// bitmap is a best-effort hint layered under a slot table that establishes
// real ordering on the payload cells themselves (see package slot). Find and
// FindNext use acquire loads to observe those hints promptly.
package bitmap

import (
	"math/bits"
	"sync/atomic"
)

const (
	wordBits   = 64
	levelShift = 6 // log2(wordBits)
	// MaxPlanes bounds the independent bitsets a single Tree can track.
	MaxPlanes = 2
	// maxLevels is enough to summarize up to 64^11 leaf bits.
	maxLevels = (wordBits + levelShift - 1) / levelShift
)

type mode uint8

const (
	modeEmpty mode = iota
	modeSingleWord
	modeTree
)

// Tree is a hierarchical bitmap summary. The zero value is an empty tree;
// call Init before using it.
type Tree struct {
	mode          mode
	leafBits      int
	planes        int
	levels        int
	wordsPerPlane int
	single        [MaxPlanes]atomic.Uint64
	levelWords    [maxLevels]int
	levelOffsets  [maxLevels]int
	treeWords     []atomic.Uint64
}

// Init sizes the tree for leafBits leaf bits and a single plane, and sets
// every bit (the conventional "all slots available" starting state for a
// slot table's availability plane).
func (t *Tree) Init(leafBits int) bool {
	if !t.InitPlanes(leafBits, 1) {
		return false
	}
	return t.ResetAllSet(0)
}

// InitPlanes sizes the tree for leafBits leaf bits and the given number of
// independent planes (1 or 2), leaving every bit clear.
func (t *Tree) InitPlanes(leafBits, planes int) bool {
	t.reset()
	if leafBits <= 0 || planes <= 0 {
		return false
	}
	t.leafBits = leafBits
	if planes > MaxPlanes {
		planes = MaxPlanes
	}
	t.planes = planes

	if t.leafBits <= wordBits {
		t.mode = modeSingleWord
		return true
	}

	t.mode = modeTree
	t.buildLayout()
	return true
}

func (t *Tree) reset() {
	t.mode = modeEmpty
	t.leafBits = 0
	t.planes = 0
	t.levels = 0
	t.wordsPerPlane = 0
	for i := range t.single {
		t.single[i].Store(0)
	}
	for i := range t.levelWords {
		t.levelWords[i] = 0
		t.levelOffsets[i] = 0
	}
	t.treeWords = nil
}

func (t *Tree) buildLayout() {
	levelBits := t.leafBits
	levels := 0
	for levels < maxLevels {
		wordCount := (levelBits + wordBits - 1) / wordBits
		t.levelWords[levels] = wordCount
		levels++
		if wordCount == 1 {
			break
		}
		levelBits = wordCount
	}
	t.levels = levels

	offset := 0
	for level := 0; level < t.levels; level++ {
		t.levelOffsets[level] = offset
		offset += t.levelWords[level]
	}
	t.wordsPerPlane = offset
	t.treeWords = make([]atomic.Uint64, t.wordsPerPlane*t.planes)
}

// LeafBits returns the number of leaf bits the tree was initialized with.
func (t *Tree) LeafBits() int { return t.leafBits }

// Planes returns the number of independent bitsets tracked.
func (t *Tree) Planes() int { return t.planes }

// ResetAllSet sets every leaf bit (and all ancestor summary bits) in plane.
func (t *Tree) ResetAllSet(plane int) bool {
	if t.mode == modeEmpty || plane >= t.planes {
		return false
	}
	if t.mode == modeSingleWord {
		var mask uint64
		if t.leafBits == wordBits {
			mask = ^uint64(0)
		} else {
			mask = (uint64(1) << uint(t.leafBits)) - 1
		}
		t.single[plane].Store(mask)
		return true
	}
	if t.treeWords == nil {
		return false
	}
	for level := 0; level < t.levels; level++ {
		var bitsAtLevel int
		if level == 0 {
			bitsAtLevel = t.leafBits
		} else {
			bitsAtLevel = t.levelWords[level-1]
		}
		words := t.levelWords[level]
		fullWords := bitsAtLevel / wordBits
		remBits := bitsAtLevel % wordBits
		base := plane*t.wordsPerPlane + t.levelOffsets[level]

		for i := 0; i < fullWords; i++ {
			t.treeWords[base+i].Store(^uint64(0))
		}
		if remBits != 0 {
			t.treeWords[base+fullWords].Store((uint64(1) << uint(remBits)) - 1)
		} else if fullWords < words {
			t.treeWords[base+fullWords].Store(^uint64(0))
		}
	}
	return true
}

// ResetAllClear clears every bit in plane.
func (t *Tree) ResetAllClear(plane int) bool {
	if t.mode == modeEmpty || plane >= t.planes {
		return false
	}
	if t.mode == modeSingleWord {
		t.single[plane].Store(0)
		return true
	}
	if t.treeWords == nil {
		return false
	}
	base := plane * t.wordsPerPlane
	for i := 0; i < t.wordsPerPlane; i++ {
		t.treeWords[base+i].Store(0)
	}
	return true
}

// Set marks bitIndex present in plane, propagating the change to every
// ancestor summary word. Returns whether the bit's value actually changed.
func (t *Tree) Set(bitIndex, plane int) bool {
	if t.leafBits == 0 || bitIndex < 0 || bitIndex >= t.leafBits || plane < 0 || plane >= t.planes {
		return false
	}
	switch t.mode {
	case modeTree:
		return t.setBit(plane, 0, bitIndex)
	case modeSingleWord:
		flag := uint64(1) << uint(bitIndex)
		old := t.single[plane].Or(flag)
		return old&flag == 0
	default:
		return false
	}
}

// Clear marks bitIndex absent in plane, propagating the clear to ancestor
// summary words only while the child word the ancestor bit summarizes has
// actually become zero.
func (t *Tree) Clear(bitIndex, plane int) bool {
	if t.leafBits == 0 || bitIndex < 0 || bitIndex >= t.leafBits || plane < 0 || plane >= t.planes {
		return false
	}
	switch t.mode {
	case modeTree:
		return t.clearBit(plane, 0, bitIndex)
	case modeSingleWord:
		flag := uint64(1) << uint(bitIndex)
		old := t.single[plane].And(^flag)
		return old&flag != 0
	default:
		return false
	}
}

func (t *Tree) setBit(plane, level, bitIndex int) bool {
	wordIndex := bitIndex / wordBits
	flag := uint64(1) << uint(bitIndex%wordBits)
	idx := plane*t.wordsPerPlane + t.levelOffsets[level] + wordIndex
	old := t.treeWords[idx].Or(flag)

	if old&flag != 0 {
		return false
	}
	if old == 0 && level+1 < t.levels {
		t.setBit(plane, level+1, wordIndex)
	}
	return true
}

func (t *Tree) clearBit(plane, level, bitIndex int) bool {
	wordIndex := bitIndex / wordBits
	flag := uint64(1) << uint(bitIndex%wordBits)
	idx := plane*t.wordsPerPlane + t.levelOffsets[level] + wordIndex
	old := t.treeWords[idx].And(^flag)

	if old&flag == 0 {
		return false
	}
	if old&^flag == 0 && level+1 < t.levels {
		t.clearBit(plane, level+1, wordIndex)
	}
	return true
}

// Find returns the index of a set bit at or after hint, wrapping around to
// the beginning of the plane if nothing is found after hint.
func (t *Tree) Find(hint, plane int) (int, bool) {
	if t.mode == modeEmpty || plane >= t.planes {
		return 0, false
	}
	if t.mode == modeSingleWord {
		wbits := t.leafBits
		word0 := t.single[plane].Load()
		if word0 == 0 || wbits == 0 {
			return 0, false
		}
		start := hint % wbits
		masked := word0 & (^uint64(0) << uint(start))
		if masked == 0 {
			masked = word0
		}
		return bits.TrailingZeros64(masked), true
	}

	startLeaf := 0
	if t.leafBits != 0 {
		startLeaf = hint % t.leafBits
	}
	if r, ok := t.findFromLeaf(plane, startLeaf); ok {
		return r, true
	}
	if startLeaf != 0 {
		return t.findFromLeaf(plane, 0)
	}
	return 0, false
}

// FindNext returns the index of a set bit at or after start, without
// wrapping; it returns false if no such bit exists.
func (t *Tree) FindNext(start, plane int) (int, bool) {
	if t.mode == modeEmpty || plane >= t.planes || t.leafBits == 0 {
		return 0, false
	}
	if start >= t.leafBits {
		return 0, false
	}
	if t.mode == modeSingleWord {
		word0 := t.single[plane].Load()
		if word0 == 0 {
			return 0, false
		}
		masked := word0 & (^uint64(0) << uint(start))
		if masked == 0 {
			return 0, false
		}
		return bits.TrailingZeros64(masked), true
	}
	return t.findFromLeaf(plane, start)
}

func (t *Tree) findFromLeaf(plane, startLeafBit int) (int, bool) {
	if t.leafBits == 0 {
		return 0, false
	}
	leafWord := startLeafBit / wordBits
	leafBitInWord := startLeafBit % wordBits
	leafWords := t.levelWords[0]
	if leafWord >= leafWords {
		return 0, false
	}

	base := plane * t.wordsPerPlane
	w0 := t.treeWords[base+leafWord].Load()
	w0 &= ^uint64(0) << uint(leafBitInWord)
	if w0 != 0 {
		idx := leafWord*wordBits + bits.TrailingZeros64(w0)
		if idx < t.leafBits {
			return idx, true
		}
		return 0, false
	}
	if leafWord+1 >= leafWords {
		return 0, false
	}

	search := leafWord + 1
	for search < leafWords {
		nextLeafWord, ok := t.findNextSetBit(plane, 1, search)
		if !ok {
			return 0, false
		}
		if nextLeafWord >= leafWords {
			return 0, false
		}
		w1 := t.treeWords[base+nextLeafWord].Load()
		if w1 != 0 {
			idx := nextLeafWord*wordBits + bits.TrailingZeros64(w1)
			if idx < t.leafBits {
				return idx, true
			}
			return 0, false
		}
		search = nextLeafWord + 1
	}
	return 0, false
}

func (t *Tree) findNextSetBit(plane, level, startBit int) (int, bool) {
	var bitsAtLevel int
	if level == 0 {
		bitsAtLevel = t.leafBits
	} else {
		bitsAtLevel = t.levelWords[level-1]
	}
	if startBit >= bitsAtLevel {
		return 0, false
	}
	if t.treeWords == nil {
		return 0, false
	}
	words := t.levelWords[level]
	startWord := startBit / wordBits
	if startWord >= words {
		return 0, false
	}

	base := plane*t.wordsPerPlane + t.levelOffsets[level]
	wordIndex := startWord
	wordMask := ^uint64(0) << uint(startBit%wordBits)

	for wordIndex < words {
		w := t.treeWords[base+wordIndex].Load() & wordMask
		wordMask = ^uint64(0)

		if w != 0 {
			idx := wordIndex*wordBits + bits.TrailingZeros64(w)
			if idx < bitsAtLevel {
				return idx, true
			}
			return 0, false
		}

		if level+1 >= t.levels {
			wordIndex++
			continue
		}

		search := wordIndex + 1
		found := false
		for search < words {
			nextWord, ok := t.findNextSetBit(plane, level+1, search)
			if !ok {
				return 0, false
			}
			if nextWord >= words {
				return 0, false
			}
			if t.treeWords[base+nextWord].Load() != 0 {
				wordIndex = nextWord
				found = true
				break
			}
			search = nextWord + 1
		}
		if !found {
			return 0, false
		}
	}
	return 0, false
}
