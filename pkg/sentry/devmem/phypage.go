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

import "sync"

// PhyPage owns one fixed-size physical allocation handle and its
// metadata. PhyPage never owns a Mapping; see Mapping for the reverse
// link. A page's provider handle is released exactly once, when the last
// owning Mapping is torn down or when its owning Segment is destroyed,
// whichever comes first; release is idempotent (Release below).
type PhyPage struct {
	mu sync.Mutex

	deviceID int
	size     uint64
	handle   Handle
	provider Provider

	free    bool
	owner   uint64 // opaque stream id; 0 means none
	hasOwner bool

	refs blockRefRing

	released bool
}

// newPhyPage allocates a physical page of size (a multiple of the
// provider's granularity) via provider.CreatePage.
func newPhyPage(provider Provider, deviceID int, size uint64) (*PhyPage, error) {
	h, err := provider.CreatePage(deviceID, size)
	if err != nil {
		return nil, err
	}
	return &PhyPage{
		deviceID: deviceID,
		size:     size,
		handle:   h,
		provider: provider,
		free:     true,
	}, nil
}

// Size returns the page's size in bytes.
func (p *PhyPage) Size() uint64 {
	return p.size
}

// recordMapping appends a diagnostic back-reference. It never blocks on
// anything but the page's own mutex and never retains a pointer to the
// external allocator's bookkeeping, per spec.md §9's "never let the page
// own the mapping" directive.
func (p *PhyPage) recordMapping(offset uint64, externalID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs.push(BlockRef{Offset: offset, ExternalID: externalID})
	p.free = false
}

// BackRefs returns a snapshot of this page's diagnostic mapping history.
func (p *PhyPage) BackRefs() []BlockRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs.Snapshot()
}

// markFree marks the page as having no live mapping, without releasing
// its provider handle. Used between Unmap and a subsequent re-Map during
// compaction's zero-copy remap path, where the handle is reused.
func (p *PhyPage) markFree() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = true
}

// Release releases the page's provider handle. It is idempotent: calling
// Release more than once, or after the handle has already been released
// by some other path, is a no-op. This directly fixes the bug spec.md §9
// flags in the original source, which called release_resources the
// moment a page was unmapped inside unmapBlock even though the page
// object could still be referenced elsewhere; the correct policy, applied
// here, is to release only when the last owning reference is dropped.
func (p *PhyPage) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	return p.provider.ReleasePage(p.handle)
}
