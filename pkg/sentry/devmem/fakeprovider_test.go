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

	"github.com/google/uuid"
)

const testGranularity = 4096

// fakePage is the handle type handed out by fakeProvider.
type fakePage struct {
	id   uuid.UUID
	size uint64
	buf  []byte
}

// fakeMapping records one live mapped range, so Map can reject a request
// that overlaps any existing range rather than only an exact-address
// collision — a real provider's address space has no notion of "this
// exact start address is taken but the next byte over is fine".
type fakeMapping struct {
	size uint64
	page *fakePage
}

// fakeProvider is an in-memory devmem.Provider double: virtual addresses
// are just monotonically increasing integers, and "physical memory" is a
// plain Go byte slice per page. aliasMap toggles whether Map can move a
// handle to a new address without a Copy call, letting tests exercise
// both of Compact's relocation paths (spec.md §8 scenarios 2 and 3).
type fakeProvider struct {
	mu       sync.Mutex
	nextAddr uint64
	mapped   map[Addr]*fakeMapping // currently mapped addr -> range
	freed    map[Addr]uint64       // reservations released via Free, for leak assertions
	aliasMap bool

	failReserve  bool
	failMap      bool
	failSetAccess bool
	failCopy     bool
}

func newFakeProvider(aliasMap bool) *fakeProvider {
	return &fakeProvider{
		nextAddr: testGranularity, // keep 0 out of the valid address space
		mapped:   make(map[Addr]*fakeMapping),
		freed:    make(map[Addr]uint64),
		aliasMap: aliasMap,
	}
}

func (p *fakeProvider) Granularity() uint64 { return testGranularity }

func (p *fakeProvider) Reserve(size uint64) (Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failReserve {
		return 0, fmt.Errorf("fakeProvider: reserve injected failure")
	}
	addr := Addr(p.nextAddr)
	p.nextAddr += size
	return addr, nil
}

func (p *fakeProvider) Free(addr Addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed[addr] = size
	return nil
}

// isFreed reports whether Free was called for addr, for tests asserting
// that a VirWindow's reservation was actually released rather than
// leaked.
func (p *fakeProvider) isFreed(addr Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.freed[addr]
	return ok
}

func (p *fakeProvider) CreatePage(deviceID int, size uint64) (Handle, error) {
	return &fakePage{id: uuid.New(), size: size, buf: make([]byte, size)}, nil
}

func (p *fakeProvider) ReleasePage(h Handle) error {
	return nil
}

func (p *fakeProvider) Map(addr Addr, size uint64, h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failMap {
		return fmt.Errorf("fakeProvider: map injected failure")
	}
	fp := h.(*fakePage)
	if fp.size != size {
		return fmt.Errorf("fakeProvider: map size %d != page size %d", size, fp.size)
	}
	for existingAddr, m := range p.mapped {
		if rangesOverlap(uint64(existingAddr), m.size, uint64(addr), size) {
			return fmt.Errorf("fakeProvider: range [%#x,%#x) overlaps existing mapping [%#x,%#x)",
				addr, uint64(addr)+size, existingAddr, uint64(existingAddr)+m.size)
		}
	}
	p.mapped[addr] = &fakeMapping{size: size, page: fp}
	return nil
}

func (p *fakeProvider) Unmap(addr Addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mapped[addr]; !ok {
		return fmt.Errorf("fakeProvider: address %#x not mapped", addr)
	}
	delete(p.mapped, addr)
	return nil
}

func (p *fakeProvider) SetAccess(addr Addr, size uint64, deviceID int) error {
	if p.failSetAccess {
		return fmt.Errorf("fakeProvider: set_access injected failure")
	}
	return nil
}

func (p *fakeProvider) Copy(dst, src Addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCopy {
		return fmt.Errorf("fakeProvider: copy injected failure")
	}
	srcM, ok := p.mapped[src]
	if !ok {
		return fmt.Errorf("fakeProvider: copy source %#x not mapped", src)
	}
	dstM, ok := p.mapped[dst]
	if !ok {
		return fmt.Errorf("fakeProvider: copy dest %#x not mapped", dst)
	}
	copy(dstM.page.buf, srcM.page.buf)
	return nil
}

func (p *fakeProvider) CanAliasMap() bool { return p.aliasMap }
