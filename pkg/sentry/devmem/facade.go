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
	"sort"
	"sync"
)

// RelocationListener is notified after every compaction commit, per
// spec.md §6's on_relocations capability. It must not block.
type RelocationListener func(batch []Relocation)

// Facade is the multi-segment allocator pool: it creates segments on
// demand per device, dispatches allocate/free to the owning segment,
// hosts the fragmentation monitor, and publishes the relocation log
// (spec.md §2, §5, §6).
//
// facadeMu protects segments and relocationLog only; it is never held
// across a provider call. The one segment-lock-taking call made while it
// is held is ownerOf's LogicalSize read, which keeps spec.md §5's
// "facade → segment, never the reverse" lock order.
type Facade struct {
	facadeMu sync.Mutex

	provider Provider
	cfg      Config
	log      Logger

	segments map[int][]*Segment

	relocationLog map[Addr]Addr
	listeners     []RelocationListener

	monitor *FragmentationMonitor
}

// NewFacade constructs a Facade around provider using cfg's defaults. A
// nil log behaves as a discard logger, per log.go.
func NewFacade(provider Provider, cfg Config, log Logger) *Facade {
	log = defaultLogger(log)
	return &Facade{
		provider:      provider,
		cfg:           cfg,
		log:           log,
		segments:      make(map[int][]*Segment),
		relocationLog: make(map[Addr]Addr),
		monitor:       newFragmentationMonitor(cfg.FragmentationThreshold, cfg.SampleInterval, log),
	}
}

// RegisterRelocationListener registers fn to be called with every
// relocation batch published by a future compaction.
func (f *Facade) RegisterRelocationListener(fn RelocationListener) {
	f.facadeMu.Lock()
	defer f.facadeMu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *Facade) segmentSize(n uint64) uint64 {
	size := f.cfg.DefaultSegmentSize
	g := f.provider.Granularity()
	if f.cfg.GranularityOverride != 0 {
		g = f.cfg.GranularityOverride
	}
	for size < n {
		size *= 2
	}
	if size%g != 0 {
		size = roundDownToGranularity(size, g) + g
	}
	return size
}

// Allocate finds or creates a segment for deviceID with room for n bytes
// and returns the resulting device pointer (spec.md §2's data-flow
// description of the facade).
func (f *Facade) Allocate(deviceID int, n uint64) (Addr, error) {
	f.facadeMu.Lock()
	segs := append([]*Segment(nil), f.segments[deviceID]...)
	f.facadeMu.Unlock()

	for _, seg := range segs {
		addr, err := seg.Allocate(n, f.compactCallback)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrOutOfVirtual) {
			return 0, err
		}
	}

	size := f.segmentSize(n)
	newSeg, err := newSegmentWithPolicy(f.provider, deviceID, size, f.cfg.CompactionPolicy, f.log)
	if err != nil {
		return 0, err
	}

	f.facadeMu.Lock()
	f.segments[deviceID] = append(f.segments[deviceID], newSeg)
	sortSegmentsByBase(f.segments[deviceID])
	f.facadeMu.Unlock()

	return newSeg.Allocate(n, f.compactCallback)
}

func sortSegmentsByBase(segs []*Segment) {
	sort.Slice(segs, func(i, j int) bool {
		return uint64(segs[i].Window().Base()) < uint64(segs[j].Window().Base())
	})
}

// Deallocate frees the page at addr. The relocation log is consulted
// first: an address a compaction moved a page away from is translated to
// that page's current address, and the log entry is dropped. Any other
// address goes straight to the segment that owns it. An address that no
// segment owns returns NotOwned.
func (f *Facade) Deallocate(addr Addr) error {
	f.facadeMu.Lock()
	redirected, found := f.relocationLog[addr]
	if found {
		delete(f.relocationLog, addr)
	}
	f.facadeMu.Unlock()
	if found {
		addr = redirected
	}

	seg, ok := f.ownerOf(addr)
	if !ok {
		return ErrNotOwned
	}
	return seg.Deallocate(addr)
}

func (f *Facade) ownerOf(addr Addr) (*Segment, bool) {
	f.facadeMu.Lock()
	defer f.facadeMu.Unlock()
	for _, segs := range f.segments {
		for _, seg := range segs {
			// Bound against logicalSize, not Window().Size(): the two
			// are equal for a live segment, but a segment absorbed by a
			// merge has logicalSize 0 and so never matches while it is
			// still in the list (see mergeSegments).
			base := uint64(seg.Window().Base())
			if uint64(addr) >= base && uint64(addr) < base+seg.LogicalSize() {
				return seg, true
			}
		}
	}
	return nil, false
}

// compactCallback is passed to Segment.Allocate as its single-retry
// compaction hook. It is invoked with the segment's own lock released
// (see allocateLocked), so it is free to call back into the segment.
func (f *Facade) compactCallback(seg *Segment) error {
	_, err := f.doCompact(seg)
	return err
}

func (f *Facade) doCompact(seg *Segment) ([]Relocation, error) {
	relocations, err := seg.Compact()
	if len(relocations) > 0 {
		f.publishRelocations(relocations)
	}
	return relocations, err
}

// publishRelocations appends batch to the relocation log, flattening any
// existing entries that pointed at an address batch just moved away
// from, so every live entry always resolves directly to a page's current
// address rather than forming a redirect chain. It then notifies every
// registered listener, matching spec.md §6's on_relocations contract.
func (f *Facade) publishRelocations(batch []Relocation) {
	f.facadeMu.Lock()
	for _, r := range batch {
		for old, cur := range f.relocationLog {
			if cur == r.OldAddr {
				f.relocationLog[old] = r.NewAddr
			}
		}
		f.relocationLog[r.OldAddr] = r.NewAddr
	}
	listeners := append([]RelocationListener(nil), f.listeners...)
	f.facadeMu.Unlock()

	for _, fn := range listeners {
		fn(batch)
	}
}

// mergeAdjacentForDevice attempts to merge every address-adjacent pair of
// segments for one device group, repeating until no more merges are
// possible. Caller must not hold facadeMu across this call since
// mergeSegments acquires segment locks directly (spec.md §5's
// merge-is-the-one-exception lock order).
func (f *Facade) mergeAdjacentForDevice(deviceID int) (int, error) {
	merged := 0
	for {
		f.facadeMu.Lock()
		segs := append([]*Segment(nil), f.segments[deviceID]...)
		f.facadeMu.Unlock()

		sortSegmentsByBase(segs)
		progressed := false
		for i := 0; i+1 < len(segs); i++ {
			if err := mergeSegments(segs[i], segs[i+1]); err == nil {
				progressed = true
				merged++
				break
			} else if !errors.Is(err, ErrNotAdjacent) {
				return merged, err
			}
		}
		if !progressed {
			break
		}

		f.facadeMu.Lock()
		f.segments[deviceID] = removeDestroyed(f.segments[deviceID])
		f.facadeMu.Unlock()
	}
	return merged, nil
}

func removeDestroyed(segs []*Segment) []*Segment {
	kept := segs[:0]
	for _, seg := range segs {
		if !seg.destroyed {
			kept = append(kept, seg)
		}
	}
	return kept
}

// Tick runs one fragmentation-monitor sampling pass (spec.md §4.5),
// rate-limited and cooled-down per FragmentationMonitor's own policy. It
// is the caller's responsibility to invoke Tick periodically; this
// package runs no internal goroutine or timer, matching spec.md §5's "no
// async runtime" scheduling model.
func (f *Facade) Tick() error {
	return f.monitor.tick(f)
}

func (f *Facade) deviceIDs() []int {
	f.facadeMu.Lock()
	defer f.facadeMu.Unlock()
	ids := make([]int, 0, len(f.segments))
	for id := range f.segments {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (f *Facade) snapshotDevice(deviceID int) []segmentSnapshot {
	f.facadeMu.Lock()
	segs := append([]*Segment(nil), f.segments[deviceID]...)
	f.facadeMu.Unlock()

	snaps := make([]segmentSnapshot, 0, len(segs))
	for _, seg := range segs {
		snaps = append(snaps, segmentSnapshot{seg: seg, stats: seg.Stats()})
	}
	return snaps
}

