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

import "fmt"

// Relocation describes one page moved by Compact; Facade uses a batch of
// these to drive its on_relocations notification and deallocate-redirect
// bookkeeping (spec.md §4.3, §6). Split and mergeSegments also move pages
// to new addresses but produce no Relocation records.
type Relocation struct {
	OldAddr Addr
	NewAddr Addr
	Size    uint64
}

// Compact implements spec.md §4.3: it walks every used subrange in
// increasing offset order and relocates it to the lowest free offset that
// packs the segment's used space against offset 0, eliminating every
// internal gap. Relocations already published before a failure are not
// rolled back — the segment remains valid and the caller gets the partial
// batch alongside the error, per spec.md §4.3's "already-published earlier
// moves are not rolled back; they are valid".
func (s *Segment) Compact() ([]Relocation, error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return s.compactLocked()
}

func (s *Segment) compactLocked() ([]Relocation, error) {
	if s.policy == CompactionNever {
		return nil, nil
	}

	type step struct {
		sub       Subrange
		newOffset uint64
	}

	var plan []step
	cursor := uint64(0)
	s.used.ascend(func(sub Subrange) bool {
		plan = append(plan, step{sub: sub, newOffset: cursor})
		cursor += sub.Size
		return true
	})

	var relocations []Relocation
	for _, st := range plan {
		if st.sub.Offset == st.newOffset {
			continue
		}
		oldAddr := st.sub.Mapping.Addr()
		newSub, err := relocateAcross(s.provider, s.log, s.deviceID, st.sub, s.window, st.newOffset, s.policy)
		if err != nil {
			return relocations, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
		}
		s.used.removeAt(st.sub.Offset)
		s.used.insert(newSub)
		s.rebuildFreeSet()
		relocations = append(relocations, Relocation{
			OldAddr: oldAddr,
			NewAddr: newSub.Mapping.Addr(),
			Size:    newSub.Size,
		})
	}
	return relocations, nil
}

// relocateAcross moves the page backing sub to destOffset in destWindow,
// which may or may not be the window sub is currently mapped into. It
// implements spec.md §4.3's two relocation strategies:
//
//   - zero-copy: when provider.CanAliasMap() is true, the same physical
//     handle is unmapped and remapped at the destination. The old mapping
//     must be torn down first so the destination offset, which may
//     overlap the tail of the source's own granularity window during a
//     same-window compaction step, is never double-mapped.
//   - copy-fallback: a fresh page is mapped at the destination and
//     populated with provider.Copy while the source mapping is still
//     live, then the source is unmapped and released. The source must
//     stay mapped until after the copy so the data is never unavailable.
//     If destOffset overlaps the source's own current range (only
//     possible against its own prior location — compactLocked packs
//     destinations strictly below every not-yet-moved subrange's
//     original offset, so no other subrange's range can land there), the
//     copy is staged through vacateToScratch first so the destination is
//     never asked to coexist with a source still occupying part of it.
//
// On failure, relocateAcross attempts to leave the page mapped at its
// original location rather than stranding it unmapped.
func relocateAcross(provider Provider, log Logger, deviceID int, sub Subrange, destWindow *VirWindow, destOffset uint64, policy CompactionPolicy) (Subrange, error) {
	oldMapping := sub.Mapping
	oldPage := oldMapping.page
	size := sub.Size

	if provider.CanAliasMap() && policy != CompactionCopyAlways {
		if err := oldMapping.unmap(); err != nil {
			return Subrange{}, fmt.Errorf("%w: %v", ErrUnmapFailed, err)
		}
		newM, err := newMapping(destWindow, destOffset, size, oldPage, deviceID, 0)
		if err != nil {
			if _, rerr := newMapping(oldMapping.window, oldMapping.offset, size, oldPage, deviceID, 0); rerr != nil {
				log.Errorf("devmem: relocation rollback failed to remap offset %#x: %v", oldMapping.offset, rerr)
			}
			return Subrange{}, fmt.Errorf("%w: %v", ErrMapFailed, err)
		}
		return Subrange{Offset: destOffset, Size: size, Mapping: newM}, nil
	}

	copySrc := oldMapping
	if destWindow == oldMapping.window && rangesOverlap(oldMapping.offset, size, destOffset, size) {
		scratchM, err := vacateToScratch(provider, log, deviceID, oldMapping, oldPage, size)
		if err != nil {
			return Subrange{}, err
		}
		copySrc = scratchM
		defer func() {
			if err := scratchM.unmap(); err != nil {
				log.Errorf("devmem: relocation failed to unmap scratch mapping: %v", err)
			}
			if err := scratchM.page.Release(); err != nil {
				log.Errorf("devmem: relocation failed to release scratch page: %v", err)
			}
			if err := scratchM.window.Release(); err != nil {
				log.Errorf("devmem: relocation failed to release scratch reservation: %v", err)
			}
		}()
	}

	newPage, err := newPhyPage(provider, deviceID, size)
	if err != nil {
		return Subrange{}, fmt.Errorf("%w: %v", ErrOutOfPhysical, err)
	}
	newM, err := newMapping(destWindow, destOffset, size, newPage, deviceID, 0)
	if err != nil {
		_ = newPage.Release()
		return Subrange{}, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	if err := provider.Copy(newM.Addr(), copySrc.Addr(), size); err != nil {
		_ = newM.unmap()
		_ = newPage.Release()
		return Subrange{}, fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	if copySrc == oldMapping {
		if err := oldMapping.unmap(); err != nil {
			log.Errorf("devmem: relocation failed to unmap source offset %#x after copy: %v", oldMapping.offset, err)
		}
		if err := oldPage.Release(); err != nil {
			log.Errorf("devmem: relocation failed to release source page at offset %#x: %v", oldMapping.offset, err)
		}
	}
	return Subrange{Offset: destOffset, Size: size, Mapping: newM}, nil
}

// rangesOverlap reports whether [aOff, aOff+aSize) and [bOff, bOff+bSize)
// share any byte.
func rangesOverlap(aOff, aSize, bOff, bSize uint64) bool {
	return aOff < bOff+bSize && bOff < aOff+aSize
}

// vacateToScratch copies oldMapping's data into a freshly allocated page
// mapped at a throwaway reservation, then tears oldMapping and its page
// down. It exists only for the same-window overlap case above: the
// scratch page is a genuinely separate physical page from whatever gets
// mapped at the real destination, because a CanAliasMap()-false provider
// offers no guarantee that a handle's data survives being mapped at a
// second address, which rules out using the scratch step itself as a
// relocation of the source handle.
func vacateToScratch(provider Provider, log Logger, deviceID int, oldMapping *Mapping, oldPage *PhyPage, size uint64) (*Mapping, error) {
	scratchPage, err := newPhyPage(provider, deviceID, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfPhysical, err)
	}
	scratchWindow, err := newVirWindow(provider, size)
	if err != nil {
		_ = scratchPage.Release()
		return nil, fmt.Errorf("%w: %v", ErrOutOfVirtual, err)
	}
	scratchM, err := newMapping(scratchWindow, 0, size, scratchPage, deviceID, 0)
	if err != nil {
		_ = scratchPage.Release()
		_ = scratchWindow.Release()
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	if err := provider.Copy(scratchM.Addr(), oldMapping.Addr(), size); err != nil {
		_ = scratchM.unmap()
		_ = scratchPage.Release()
		_ = scratchWindow.Release()
		return nil, fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	if err := oldMapping.unmap(); err != nil {
		log.Errorf("devmem: relocation failed to unmap source offset %#x before scratch hand-off: %v", oldMapping.offset, err)
	}
	if err := oldPage.Release(); err != nil {
		log.Errorf("devmem: relocation failed to release source page at offset %#x before scratch hand-off: %v", oldMapping.offset, err)
	}
	return scratchM, nil
}

// Split implements spec.md §4.4: it partitions a segment's logical range
// at keepSize, leaving the prefix [0, keepSize) in the receiver and the
// suffix in a freshly returned Segment. keepSize must fall on an
// existing subrange boundary — Split never cuts a used subrange in half.
//
// Both halves end up in freshly reserved, exactly-sized VirWindows: the
// abstract Provider interface has no operation for subdividing a
// reservation in place (spec.md §4.4's alternative strategy), so every
// used page — on both sides of the cut — is relocated (zero-copy or
// copy-fallback, exactly as in Compact) into its half's new window, and
// the original window is released once empty. Reserving the keep half's
// window before the tail half's gives providers that allocate
// contiguously (e.g. a bump allocator) the chance to place the two
// windows address-adjacently, which is what lets a subsequent
// mergeSegments reunite them per spec.md §8's
// "merge(split(S,k)) = S modulo object identity" law — this module does
// not otherwise guarantee that placement, since the Provider interface
// offers no way to request it.
//
// Split's failure handling is best-effort, unlike Compact's documented
// rollback contract: spec.md §4.4 does not specify split/merge failure
// semantics the way §4.3 does for compaction, so a mid-migration failure
// here returns ErrBadSplit with whatever partial state resulted, rather
// than attempting to fully unwind every already-relocated page.
func (s *Segment) Split(keepSize uint64) (*Segment, error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()

	if keepSize == 0 || keepSize%s.granularity != 0 || keepSize >= s.logicalSize {
		return nil, ErrBadSplit
	}

	straddles := false
	s.used.ascend(func(sub Subrange) bool {
		if sub.Offset < keepSize && sub.End() > keepSize {
			straddles = true
			return false
		}
		return true
	})
	if straddles {
		return nil, ErrBadSplit
	}

	tailSize := s.logicalSize - keepSize

	newKeepWindow, err := newVirWindow(s.provider, keepSize)
	if err != nil {
		return nil, err
	}
	tailWindow, err := newVirWindow(s.provider, tailSize)
	if err != nil {
		_ = newKeepWindow.Release()
		return nil, err
	}

	tailSeg := &Segment{
		window:      tailWindow,
		provider:    s.provider,
		deviceID:    s.deviceID,
		granularity: s.granularity,
		log:         s.log,
		policy:      s.policy,
		used:        newRangeSet(),
		free:        newRangeSet(),
		logicalSize: tailSize,
	}

	oldWindow := s.window
	newKeepUsed := newRangeSet()

	var fail error
	s.used.ascend(func(sub Subrange) bool {
		if sub.Offset < keepSize {
			newSub, err := relocateAcross(s.provider, s.log, s.deviceID, sub, newKeepWindow, sub.Offset, s.policy)
			if err != nil {
				fail = fmt.Errorf("%w: %v", ErrBadSplit, err)
				return false
			}
			newKeepUsed.insert(newSub)
		} else {
			newOffset := sub.Offset - keepSize
			newSub, err := relocateAcross(s.provider, s.log, s.deviceID, sub, tailWindow, newOffset, s.policy)
			if err != nil {
				fail = fmt.Errorf("%w: %v", ErrBadSplit, err)
				return false
			}
			tailSeg.used.insert(newSub)
		}
		return true
	})
	if fail != nil {
		_ = tailSeg.Destroy()
		return nil, fail
	}

	s.window = newKeepWindow
	s.used = newKeepUsed
	s.logicalSize = keepSize
	s.rebuildFreeSet()
	tailSeg.rebuildFreeSet()

	if err := oldWindow.Release(); err != nil {
		s.log.Errorf("devmem: split failed to release original window: %v", err)
	}

	return tailSeg, nil
}

// mergeSegments implements spec.md §4.4/§5: it absorbs hi into lo when
// the two segments' windows are address-adjacent and on the same device,
// locking both in ascending base-address order regardless of which one
// the caller names first or second — the one exception to the rule that
// Facade never holds two segment locks at once (spec.md §5).
//
// Neither lo's nor hi's window can simply keep its mappings as-is: the
// merged segment needs one VirWindow whose address range covers both
// halves so that a later Split can reserve fresh windows of its own
// without inheriting this merge's address-adjacency as an accident of
// history. mergeSegments therefore reserves one new window sized to both
// halves combined and relocates every used page from both lo and hi into
// it (via the same relocateAcross used by Compact and Split), releasing
// lo's and hi's original windows once they are empty — this is what
// actually closes out the reservations; a version that left hi's
// mappings on hi's own window would have no path left to ever call
// hi.window.Release(), since hi is dropped from the facade immediately
// after the merge.
//
// Like Split, mergeSegments' failure handling is best-effort: spec.md
// does not define merge failure semantics, so a mid-migration failure
// returns ErrMergeFailed with whatever partial relocation resulted
// rather than unwinding already-moved pages back onto lo's or hi's
// original windows.
func mergeSegments(a, b *Segment) error {
	first, second := a, b
	if uint64(b.window.Base()) < uint64(a.window.Base()) {
		first, second = b, a
	}
	first.segMu.Lock()
	defer first.segMu.Unlock()
	second.segMu.Lock()
	defer second.segMu.Unlock()

	lo, hi := first, second
	if lo.destroyed || hi.destroyed {
		return ErrNotAdjacent
	}
	if lo.deviceID != hi.deviceID {
		return ErrNotAdjacent
	}
	if uint64(hi.window.Base()) != uint64(lo.window.Base())+lo.logicalSize {
		return ErrNotAdjacent
	}

	combinedSize := lo.logicalSize + hi.logicalSize
	newWindow, err := newVirWindow(lo.provider, combinedSize)
	if err != nil {
		return err
	}

	newUsed := newRangeSet()
	var fail error
	lo.used.ascend(func(sub Subrange) bool {
		newSub, rerr := relocateAcross(lo.provider, lo.log, lo.deviceID, sub, newWindow, sub.Offset, lo.policy)
		if rerr != nil {
			fail = fmt.Errorf("%w: %v", ErrMergeFailed, rerr)
			return false
		}
		newUsed.insert(newSub)
		return true
	})
	if fail == nil {
		base := lo.logicalSize
		hi.used.ascend(func(sub Subrange) bool {
			newSub, rerr := relocateAcross(hi.provider, hi.log, hi.deviceID, sub, newWindow, sub.Offset+base, hi.policy)
			if rerr != nil {
				fail = fmt.Errorf("%w: %v", ErrMergeFailed, rerr)
				return false
			}
			newUsed.insert(newSub)
			return true
		})
	}
	if fail != nil {
		return fail
	}

	oldLoWindow, oldHiWindow := lo.window, hi.window

	lo.window = newWindow
	lo.used = newUsed
	lo.logicalSize = combinedSize
	lo.fused = true
	lo.rebuildFreeSet()

	if err := oldLoWindow.Release(); err != nil {
		lo.log.Errorf("devmem: merge failed to release original lo window: %v", err)
	}
	if err := oldHiWindow.Release(); err != nil {
		lo.log.Errorf("devmem: merge failed to release original hi window: %v", err)
	}

	hi.used = newRangeSet()
	hi.free = newRangeSet()
	hi.logicalSize = 0
	hi.destroyed = true

	return nil
}
