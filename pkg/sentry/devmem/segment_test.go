// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devmem

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

// checkInvariants re-derives spec.md §8 invariants 1-3 directly from the
// segment's live sets, independent of rebuildFreeSet, so a bug in
// rebuildFreeSet itself would still be caught.
func checkInvariants(t *testing.T, s *Segment) {
	t.Helper()
	s.segMu.Lock()
	defer s.segMu.Unlock()

	cursor := uint64(0)
	seen := make(map[uint64]bool)
	merge := append([]Subrange{}, subrangesOf(s.used)...)
	merge = append(merge, subrangesOf(s.free)...)
	byOffset := make(map[uint64]Subrange)
	for _, sub := range merge {
		if byOffset2, dup := byOffset[sub.Offset]; dup {
			t.Fatalf("two subranges start at the same offset %#x: %+v and %+v", sub.Offset, byOffset2, sub)
		}
		byOffset[sub.Offset] = sub
	}
	for cursor < s.logicalSize {
		sub, ok := byOffset[cursor]
		if !ok {
			t.Fatalf("gap at offset %#x: used/free do not tile [0, %#x)", cursor, s.logicalSize)
		}
		seen[cursor] = true
		cursor = sub.End()
	}
	if cursor != s.logicalSize {
		t.Fatalf("used/free overrun logicalSize: cursor=%#x logicalSize=%#x", cursor, s.logicalSize)
	}

	var lastFreeEnd uint64
	hasLastFree := false
	s.free.ascend(func(sub Subrange) bool {
		if hasLastFree && sub.Offset == lastFreeEnd {
			t.Fatalf("adjacent free subranges were not coalesced: one ends at %#x, next starts there", lastFreeEnd)
		}
		lastFreeEnd = sub.End()
		hasLastFree = true
		return true
	})

	s.used.ascend(func(sub Subrange) bool {
		if sub.Mapping.Addr() != Addr(uint64(s.window.Base())+sub.Offset) {
			t.Fatalf("used subrange at %#x has mapping address %#x, want %#x", sub.Offset, sub.Mapping.Addr(), uint64(s.window.Base())+sub.Offset)
		}
		return true
	})
}

func subrangesOf(rs *rangeSet) []Subrange {
	var out []Subrange
	rs.ascend(func(s Subrange) bool {
		out = append(out, s)
		return true
	})
	return out
}

func newTestSegment(t *testing.T, provider Provider, pages int) *Segment {
	t.Helper()
	seg, err := NewSegment(provider, 0, uint64(pages)*testGranularity, nil)
	assert.NilError(t, err)
	return seg
}

func TestAllocateZeroIsBadSize(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 4)
	_, err := seg.Allocate(0, nil)
	assert.Assert(t, errors.Is(err, ErrBadSize))
}

func TestAllocateWholeEmptySegmentSucceedsAtZero(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 4)
	addr, err := seg.Allocate(4*testGranularity, nil)
	assert.NilError(t, err)
	assert.Equal(t, addr, Addr(seg.Window().Base()))
	checkInvariants(t, seg)
}

func TestSequentialFill(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 8)

	var addrs []Addr
	for i := 0; i < 8; i++ {
		addr, err := seg.Allocate(testGranularity, nil)
		assert.NilError(t, err)
		want := Addr(uint64(seg.Window().Base()) + uint64(i)*testGranularity)
		assert.Equal(t, addr, want)
		addrs = append(addrs, addr)
	}
	checkInvariants(t, seg)

	stats := seg.Stats()
	assert.Equal(t, stats.FreeTotal, uint64(0))
	assert.Equal(t, stats.UsedTotal, uint64(8*testGranularity))

	_, err := seg.Allocate(testGranularity, nil)
	assert.Assert(t, errors.Is(err, ErrOutOfVirtual))
}

func TestRoundTripAllocateDeallocateReturnsToEmpty(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 8)

	var addrs []Addr
	for i := 0; i < 8; i++ {
		addr, err := seg.Allocate(testGranularity, nil)
		assert.NilError(t, err)
		addrs = append(addrs, addr)
	}
	// Deallocate out of allocation order to exercise coalescing from both
	// sides.
	order := []int{3, 0, 7, 1, 5, 2, 6, 4}
	for _, i := range order {
		assert.NilError(t, seg.Deallocate(addrs[i]))
		checkInvariants(t, seg)
	}

	stats := seg.Stats()
	assert.Equal(t, stats.UsedTotal, uint64(0))
	assert.Equal(t, stats.FreeTotal, uint64(8*testGranularity))
	assert.Equal(t, stats.LargestFree, uint64(8*testGranularity))
}

func TestDeallocateUnknownPointerIsNotOwned(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 4)
	err := seg.Deallocate(Addr(0))
	assert.Assert(t, errors.Is(err, ErrNotOwned))
}

func TestMisFreeMidPageOffsetIsNotOwned(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 4)
	_, err := seg.Allocate(testGranularity, nil)
	assert.NilError(t, err)

	misaligned := Addr(uint64(seg.Window().Base()) + testGranularity/2)
	err = seg.Deallocate(misaligned)
	assert.Assert(t, errors.Is(err, ErrNotOwned))

	stats := seg.Stats()
	assert.Equal(t, stats.UsedTotal, uint64(testGranularity))
}

func TestFragmentationThenCompactionZeroCopy(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 8)

	var addrs [8]Addr
	for i := 0; i < 8; i++ {
		addr, err := seg.Allocate(testGranularity, nil)
		assert.NilError(t, err)
		addrs[i] = addr
	}
	for _, i := range []int{0, 2, 4, 6} {
		assert.NilError(t, seg.Deallocate(addrs[i]))
	}
	checkInvariants(t, seg)

	relocations, err := seg.Compact()
	assert.NilError(t, err)
	assert.Equal(t, len(relocations), 4)
	checkInvariants(t, seg)

	stats := seg.Stats()
	assert.Equal(t, stats.UsedTotal, uint64(4*testGranularity))
	assert.Equal(t, stats.FreeTotal, uint64(4*testGranularity))
	assert.Equal(t, stats.LargestFree, uint64(4*testGranularity))

	// Idempotent: compacting an already-compacted segment relocates
	// nothing.
	relocations, err = seg.Compact()
	assert.NilError(t, err)
	assert.Equal(t, len(relocations), 0)
}

func TestFragmentationThenCompactionCopyFallback(t *testing.T) {
	p := newFakeProvider(false) // CanAliasMap() == false forces the copy path
	seg := newTestSegment(t, p, 8)

	var addrs [8]Addr
	for i := 0; i < 8; i++ {
		addr, err := seg.Allocate(testGranularity, nil)
		assert.NilError(t, err)
		addrs[i] = addr
	}
	for _, i := range []int{0, 2, 4, 6} {
		assert.NilError(t, seg.Deallocate(addrs[i]))
	}

	relocations, err := seg.Compact()
	assert.NilError(t, err)
	assert.Equal(t, len(relocations), 4)
	checkInvariants(t, seg)
}

// TestCompactionCopyFallbackHandlesSelfOverlap reproduces the scenario
// where a used subrange's packed destination overlaps its own current
// range: allocate(G)->A@0, allocate(2G)->B@G, allocate(G)->D@3G,
// deallocate(A), then compact. B (size 2G) packs down to offset 0, which
// overlaps its own current range [G,3G) at [G,2G) — relocateAcross must
// stage that move through vacateToScratch rather than asking a
// spec-conformant provider to map the destination while B is still
// mapped over part of it.
func TestCompactionCopyFallbackHandlesSelfOverlap(t *testing.T) {
	p := newFakeProvider(false) // CanAliasMap() == false forces the copy path
	seg := newTestSegment(t, p, 4)

	addrA, err := seg.Allocate(testGranularity, nil)
	assert.NilError(t, err)
	_, err = seg.Allocate(2*testGranularity, nil)
	assert.NilError(t, err)
	_, err = seg.Allocate(testGranularity, nil)
	assert.NilError(t, err)

	assert.NilError(t, seg.Deallocate(addrA))
	checkInvariants(t, seg)

	relocations, err := seg.Compact()
	assert.NilError(t, err)
	assert.Equal(t, len(relocations), 2)
	checkInvariants(t, seg)

	stats := seg.Stats()
	assert.Equal(t, stats.UsedTotal, uint64(3*testGranularity))
	assert.Equal(t, stats.FreeTotal, uint64(testGranularity))
}

func TestAllocateTriggersExactlyOneCompaction(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 8)

	var addrs [8]Addr
	for i := 0; i < 8; i++ {
		addr, err := seg.Allocate(testGranularity, nil)
		assert.NilError(t, err)
		addrs[i] = addr
	}
	for _, i := range []int{0, 2, 4, 6} {
		assert.NilError(t, seg.Deallocate(addrs[i]))
	}

	compactions := 0
	compactFn := func(target *Segment) error {
		compactions++
		_, err := target.Compact()
		return err
	}

	addr, err := seg.Allocate(4*testGranularity, compactFn)
	assert.NilError(t, err)
	assert.Equal(t, addr, Addr(uint64(seg.Window().Base())+4*testGranularity))
	assert.Equal(t, compactions, 1)

	// A second allocation of the same size must not trigger another
	// compaction: the segment is already packed and has no free space
	// left after this allocate.
	_, err = seg.Allocate(4*testGranularity, compactFn)
	assert.Assert(t, errors.Is(err, ErrOutOfVirtual))
	assert.Equal(t, compactions, 1)
}

func TestSplitThenMergeRestoresOriginalLayout(t *testing.T) {
	p := newFakeProvider(true)
	seg := newTestSegment(t, p, 8)

	for i := 0; i < 4; i++ {
		_, err := seg.Allocate(testGranularity, nil)
		assert.NilError(t, err)
	}

	tail, err := seg.Split(4 * testGranularity)
	assert.NilError(t, err)
	checkInvariants(t, seg)
	checkInvariants(t, tail)

	keepWindowAfterSplit := seg.Window()
	tailWindowAfterSplit := tail.Window()

	assert.NilError(t, mergeSegments(seg, tail))
	checkInvariants(t, seg)
	assert.Assert(t, seg.IsFused())

	stats := seg.Stats()
	assert.Equal(t, stats.UsedTotal, uint64(4*testGranularity))
	assert.Equal(t, stats.FreeTotal, uint64(4*testGranularity))

	// Neither half's post-split window should still be reserved: merging
	// them must migrate every mapping into one new combined window and
	// release both originals, not leave one of them dangling unreleased.
	assert.Assert(t, p.isFreed(keepWindowAfterSplit.Base()))
	assert.Assert(t, p.isFreed(tailWindowAfterSplit.Base()))
	assert.Assert(t, seg.Window() != keepWindowAfterSplit)
	assert.Assert(t, seg.Window() != tailWindowAfterSplit)
}

func TestMergeNonAdjacentSegmentsFails(t *testing.T) {
	// Separate providers give each segment's window the same base address
	// in its own address space, which is never "adjacent" under the
	// hi.base == lo.base+lo.size test (that would require lo.size == 0).
	a := newTestSegment(t, newFakeProvider(true), 4)
	b := newTestSegment(t, newFakeProvider(true), 4)

	err := mergeSegments(a, b)
	assert.Assert(t, errors.Is(err, ErrNotAdjacent))
}
