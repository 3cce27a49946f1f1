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

import "github.com/google/btree"

// btreeDegree is the branching factor used for every rangeSet in this
// package. 32 is google/btree's own suggested default for workloads that
// are not latency-critical per-operation; segments here hold at most a
// few thousand subranges, so the tree stays shallow regardless.
const btreeDegree = 32

// Subrange is one contiguous, granularity-aligned range of a Segment's
// VirWindow, either free or used. A used Subrange's Mapping is non-nil
// and backs it with a PhyPage.
type Subrange struct {
	Offset  uint64
	Size    uint64
	Mapping *Mapping
}

// End returns Offset+Size.
func (s Subrange) End() uint64 {
	return s.Offset + s.Size
}

func subrangeLess(a, b Subrange) bool {
	return a.Offset < b.Offset
}

// rangeSet is an ordered, offset-keyed set of Subrange, backed by a
// google/btree BTreeG. It gives O(log n) insert/delete/predecessor/
// successor lookups, which Segment uses for first-fit allocation and
// eager coalescing (spec.md §3, §4.1, §4.2).
type rangeSet struct {
	t *btree.BTreeG[Subrange]
}

func newRangeSet() *rangeSet {
	return &rangeSet{t: btree.NewG(btreeDegree, subrangeLess)}
}

func (rs *rangeSet) insert(s Subrange) {
	rs.t.ReplaceOrInsert(s)
}

func (rs *rangeSet) removeAt(offset uint64) (Subrange, bool) {
	return rs.t.Delete(Subrange{Offset: offset})
}

func (rs *rangeSet) getAt(offset uint64) (Subrange, bool) {
	return rs.t.Get(Subrange{Offset: offset})
}

func (rs *rangeSet) len() int {
	return rs.t.Len()
}

// ascend calls fn for every Subrange in increasing offset order, stopping
// early if fn returns false.
func (rs *rangeSet) ascend(fn func(Subrange) bool) {
	rs.t.Ascend(func(s Subrange) bool {
		return fn(s)
	})
}

// firstFit returns the first (lowest-offset) Subrange whose Size is at
// least n, implementing spec.md §4.1's first-fit-by-offset policy.
func (rs *rangeSet) firstFit(n uint64) (Subrange, bool) {
	var found Subrange
	ok := false
	rs.t.Ascend(func(s Subrange) bool {
		if s.Size >= n {
			found = s
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// predecessor returns the Subrange immediately before offset, if any.
func (rs *rangeSet) predecessor(offset uint64) (Subrange, bool) {
	if offset == 0 {
		return Subrange{}, false
	}
	var found Subrange
	ok := false
	rs.t.DescendLessOrEqual(Subrange{Offset: offset - 1}, func(s Subrange) bool {
		found = s
		ok = true
		return false
	})
	return found, ok
}

// successor returns the Subrange immediately at-or-after offset, if any.
func (rs *rangeSet) successor(offset uint64) (Subrange, bool) {
	var found Subrange
	ok := false
	rs.t.AscendGreaterOrEqual(Subrange{Offset: offset}, func(s Subrange) bool {
		found = s
		ok = true
		return false
	})
	return found, ok
}

// totalSize returns the sum of all Subrange sizes in the set.
func (rs *rangeSet) totalSize() uint64 {
	var total uint64
	rs.t.Ascend(func(s Subrange) bool {
		total += s.Size
		return true
	})
	return total
}

// largest returns the size of the largest Subrange in the set, or 0 if
// the set is empty.
func (rs *rangeSet) largest() uint64 {
	var max uint64
	rs.t.Ascend(func(s Subrange) bool {
		if s.Size > max {
			max = s.Size
		}
		return true
	})
	return max
}
