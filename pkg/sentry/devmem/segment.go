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
	"fmt"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
)

// Segment is the central object of this package: a VirWindow plus
// ordered used/free subrange sets and the pages backing the used ones.
// It exposes allocate/deallocate/compact/split/merge. All mutating
// operations acquire segMu for their entire duration (spec.md §5), except
// that Allocate releases it while its compaction callback runs (see
// allocateLocked).
type Segment struct {
	segMu sync.Mutex

	window      *VirWindow
	provider    Provider
	deviceID    int
	granularity uint64
	log         Logger
	policy      CompactionPolicy

	used *rangeSet
	free *rangeSet

	// fused is set when this segment was produced by a merge.
	// Informational only; spec.md §3.
	fused bool

	// logicalSize is the portion of address space that this segment's
	// used+free subranges tile. For a live segment it equals
	// window.Size(): Split and mergeSegments (compaction.go) both move the
	// segment onto a freshly reserved window of exactly that size. A
	// segment absorbed by a merge has it set to 0.
	logicalSize uint64

	destroyed bool
}

// SegmentStats is a point-in-time snapshot of a segment's free/used
// totals, consumed by FragmentationMonitor. It intentionally carries no
// reference back into the segment.
type SegmentStats struct {
	FreeTotal   uint64
	LargestFree uint64
	UsedTotal   uint64
}

// Fragmentation computes spec.md §4.5's fragmentation metric:
// (total_free - largest_free) / total_free, or 0 if there is no free
// space at all.
func (s SegmentStats) Fragmentation() float64 {
	if s.FreeTotal == 0 {
		return 0
	}
	return float64(s.FreeTotal-s.LargestFree) / float64(s.FreeTotal)
}

// NewSegment reserves a new VirWindow of the given size (a multiple of
// the provider's granularity) and returns a Segment whose entire window
// starts out as one free subrange.
func NewSegment(provider Provider, deviceID int, size uint64, log Logger) (*Segment, error) {
	return newSegmentWithPolicy(provider, deviceID, size, CompactionZeroCopyPreferred, log)
}

func newSegmentWithPolicy(provider Provider, deviceID int, size uint64, policy CompactionPolicy, log Logger) (*Segment, error) {
	g := provider.Granularity()
	if size == 0 || size%g != 0 {
		return nil, fmt.Errorf("devmem: segment size %d is not a positive multiple of granularity %d: %w", size, g, ErrBadSize)
	}
	w, err := newVirWindow(provider, size)
	if err != nil {
		return nil, err
	}
	seg := &Segment{
		window:      w,
		provider:    provider,
		deviceID:    deviceID,
		granularity: g,
		log:         defaultLogger(log),
		policy:      policy,
		used:        newRangeSet(),
		free:        newRangeSet(),
		logicalSize: size,
	}
	seg.free.insert(Subrange{Offset: 0, Size: size})
	return seg, nil
}

// Window returns the segment's virtual window.
func (s *Segment) Window() *VirWindow {
	return s.window
}

// LogicalSize returns the span of address space this segment currently
// owns, which equals Window().Size() for a live segment (see the
// logicalSize field comment).
func (s *Segment) LogicalSize() uint64 {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return s.logicalSize
}

func (s *Segment) roundUp(n uint64) (uint64, error) {
	if n == 0 {
		return 0, ErrBadSize
	}
	rounded := ((n + s.granularity - 1) / s.granularity) * s.granularity
	if rounded == 0 || rounded > s.logicalSize {
		return 0, ErrBadSize
	}
	return rounded, nil
}

// rebuildFreeSet recomputes the free subrange set from scratch by
// scanning the used set in offset order and inserting every gap between
// consecutive used subranges (and before the first / after the last) up
// to logicalSize. It is the simplest way to keep the "used ∪ free tiles
// [0, logicalSize) with no gaps/overlaps, no two free subranges adjacent"
// invariant (spec.md §3) trivially true after every incremental step of
// compaction or split, at the cost of being O(n) per call rather than
// O(log n); segment sizes in this package's scope (tens to low thousands
// of subranges) make that an acceptable trade.
func (s *Segment) rebuildFreeSet() {
	s.free = newRangeSet()
	cursor := uint64(0)
	s.used.ascend(func(sub Subrange) bool {
		if sub.Offset > cursor {
			s.free.insert(Subrange{Offset: cursor, Size: sub.Offset - cursor})
		}
		cursor = sub.End()
		return true
	})
	if cursor < s.logicalSize {
		s.free.insert(Subrange{Offset: cursor, Size: s.logicalSize - cursor})
	}
}

// Allocate implements spec.md §4.1. On first-fit exhaustion it invokes
// exactly one compaction attempt (via compactFn, injected so Facade can
// control when compaction notifications are published) before giving up
// with ErrOutOfVirtual. When the segment's total free space is already
// smaller than the request, no compaction is attempted, since packing
// cannot produce a large enough free subrange.
func (s *Segment) Allocate(n uint64, compactFn func(*Segment) error) (Addr, error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return s.allocateLocked(n, compactFn, false)
}

func (s *Segment) allocateLocked(n uint64, compactFn func(*Segment) error, retried bool) (Addr, error) {
	size, err := s.roundUp(n)
	if err != nil {
		return 0, err
	}

	sub, ok := s.free.firstFit(size)
	if !ok {
		if retried || compactFn == nil || s.free.totalSize() < size {
			return 0, ErrOutOfVirtual
		}
		s.segMu.Unlock()
		cerr := compactFn(s)
		s.segMu.Lock()
		if cerr != nil {
			s.log.Warnf("devmem: compaction during allocate failed: %v", cerr)
		}
		return s.allocateLocked(n, compactFn, true)
	}

	page, err := newPhyPage(s.provider, s.deviceID, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfPhysical, err)
	}

	m, err := newMapping(s.window, sub.Offset, size, page, s.deviceID, 0)
	if err != nil {
		_ = page.Release()
		return 0, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}

	// Split the free subrange: prefix becomes used, remainder (if any)
	// stays free. Exact fit never creates a zero-sized residual.
	s.free.removeAt(sub.Offset)
	if sub.Size > size {
		s.free.insert(Subrange{Offset: sub.Offset + size, Size: sub.Size - size})
	}
	s.used.insert(Subrange{Offset: sub.Offset, Size: size, Mapping: m})

	s.log.Debugf("devmem: allocated %d bytes at offset %#x", size, sub.Offset)
	return m.Addr(), nil
}

// Deallocate implements spec.md §4.2.
func (s *Segment) Deallocate(addr Addr) error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return s.deallocateLocked(addr)
}

func (s *Segment) deallocateLocked(addr Addr) error {
	if uint64(addr) < uint64(s.window.Base()) {
		return ErrNotOwned
	}
	offset := uint64(addr) - uint64(s.window.Base())
	if offset >= s.logicalSize || offset%s.granularity != 0 {
		return ErrNotOwned
	}

	sub, ok := s.used.getAt(offset)
	if !ok {
		return ErrNotOwned
	}

	var unmapErr error
	if err := sub.Mapping.unmap(); err != nil {
		// spec.md §7: provider failures during deallocate are surfaced,
		// but the used subrange is still removed — leaking a physical
		// page is preferable to an inconsistent used list.
		unmapErr = fmt.Errorf("%w: %v", ErrUnmapFailed, err)
		s.log.Errorf("devmem: unmap failed during deallocate at offset %#x: %v", offset, err)
	}
	if err := sub.Mapping.page.Release(); err != nil && unmapErr == nil {
		unmapErr = err
	}

	s.used.removeAt(offset)
	s.insertFreeCoalesced(offset, sub.Size)

	return unmapErr
}

// insertFreeCoalesced inserts a free subrange and merges it with an
// adjacent predecessor/successor free subrange, maintaining the
// "no two free subranges are adjacent" invariant (spec.md §3).
func (s *Segment) insertFreeCoalesced(offset, size uint64) {
	start, end := offset, offset+size

	if pred, ok := s.free.predecessor(offset); ok && pred.End() == offset {
		s.free.removeAt(pred.Offset)
		start = pred.Offset
	}
	if succ, ok := s.free.successor(end); ok && succ.Offset == end {
		s.free.removeAt(succ.Offset)
		end = succ.End()
	}
	s.free.insert(Subrange{Offset: start, Size: end - start})
}

// Stats returns a point-in-time snapshot for the fragmentation monitor.
func (s *Segment) Stats() SegmentStats {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return SegmentStats{
		FreeTotal:   s.free.totalSize(),
		LargestFree: s.free.largest(),
		UsedTotal:   s.used.totalSize(),
	}
}

// IsFused reports whether this segment was produced by a merge.
func (s *Segment) IsFused() bool {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return s.fused
}

// Destroy unmaps every live mapping, releases every page, and releases
// the VirWindow, in that order (spec.md §9's destructor ordering). It
// tolerates and aggregates multiple provider failures rather than
// stopping at the first one, since every page must get a release
// attempt.
func (s *Segment) Destroy() error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true

	var result *multierror.Error
	s.used.ascend(func(sub Subrange) bool {
		if err := sub.Mapping.unmap(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmap offset %#x: %w", sub.Offset, err))
		}
		if err := sub.Mapping.page.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release page at offset %#x: %w", sub.Offset, err))
		}
		return true
	})
	if err := s.window.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release window: %w", err))
	}
	return result.ErrorOrNil()
}
