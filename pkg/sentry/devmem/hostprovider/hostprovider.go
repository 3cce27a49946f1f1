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

// Package hostprovider implements devmem.Provider over anonymous host
// memory, for exercising the facade end-to-end without real device
// driver hardware. Device Memory Provider is modeled abstractly in
// spec.md §6 ("the low-level device-driver handle API"); this is one
// concrete real implementation of that abstraction, not a test double —
// it performs genuine mmap/mprotect syscalls.
//
// A "reservation" is an anonymous PROT_NONE mapping. There is exactly one
// physical-page concept here: a separately mmap'd PROT_READ|PROT_WRITE
// region. Map moves that region into the reservation with
// mremap(MREMAP_MAYMOVE|MREMAP_FIXED), SetAccess makes the range
// PROT_READ|PROT_WRITE, and Unmap sets it back to PROT_NONE, leaving the
// page's memory where it is. Because a later Map moves the same host
// pages to a new virtual offset without a copy, mirroring what a real
// device driver's page-table remap would do, the zero-copy relocation
// path works here; New's aliasMap argument decides what CanAliasMap
// reports.
package hostprovider

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lwx270901/gcpool/pkg/sentry/devmem"
)

const granularity = 2 << 20 // 2 MiB, matching spec.md's glossary default for G.

type pageHandle struct {
	addr uintptr
	size uint64
}

// Provider is a devmem.Provider backed by host anonymous memory.
type Provider struct {
	mu          sync.Mutex
	aliasMap    bool
	reservations map[uintptr]uint64
}

// New returns a host-memory Provider. aliasMap controls CanAliasMap's
// return value, so tests can force the copy-fallback compaction path
// (spec.md §8 scenario 3) even though this provider is technically
// capable of aliasing.
func New(aliasMap bool) *Provider {
	return &Provider{
		aliasMap:     aliasMap,
		reservations: make(map[uintptr]uint64),
	}
}

func (p *Provider) Granularity() uint64 { return granularity }

func (p *Provider) Reserve(size uint64) (devmem.Addr, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("hostprovider: mmap reserve: %w", err)
	}
	addr := uintptr(unsafe.Pointer(&b[0]))

	p.mu.Lock()
	p.reservations[addr] = size
	p.mu.Unlock()

	return devmem.Addr(addr), nil
}

func (p *Provider) Free(addr devmem.Addr, size uint64) error {
	p.mu.Lock()
	delete(p.reservations, uintptr(addr))
	p.mu.Unlock()

	b := bytesAt(uintptr(addr), size)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("hostprovider: munmap free: %w", err)
	}
	return nil
}

func (p *Provider) CreatePage(deviceID int, size uint64) (devmem.Handle, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostprovider: mmap page: %w", err)
	}
	return &pageHandle{addr: uintptr(unsafe.Pointer(&b[0])), size: size}, nil
}

func (p *Provider) ReleasePage(h devmem.Handle) error {
	ph := h.(*pageHandle)
	b := bytesAt(ph.addr, ph.size)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("hostprovider: munmap page: %w", err)
	}
	return nil
}

// Map moves the page's backing host pages into the reservation at addr
// using mremap(MREMAP_FIXED), replacing whatever was mapped there, and
// records addr as the page's new location.
func (p *Provider) Map(addr devmem.Addr, size uint64, h devmem.Handle) error {
	ph := h.(*pageHandle)
	if size != ph.size {
		return fmt.Errorf("hostprovider: map size %d does not match page size %d", size, ph.size)
	}
	_, _, errno := unix.Syscall6(unix.SYS_MREMAP,
		ph.addr, uintptr(size), uintptr(size),
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED, uintptr(addr), 0)
	if errno != 0 {
		return fmt.Errorf("hostprovider: mremap map: %w", errno)
	}
	ph.addr = uintptr(addr)
	return nil
}

func (p *Provider) Unmap(addr devmem.Addr, size uint64) error {
	b := bytesAt(uintptr(addr), size)
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("hostprovider: mprotect unmap: %w", err)
	}
	return nil
}

func (p *Provider) SetAccess(addr devmem.Addr, size uint64, deviceID int) error {
	b := bytesAt(uintptr(addr), size)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("hostprovider: mprotect set_access: %w", err)
	}
	return nil
}

func (p *Provider) Copy(dst, src devmem.Addr, size uint64) error {
	dstB := bytesAt(uintptr(dst), size)
	srcB := bytesAt(uintptr(src), size)
	copy(dstB, srcB)
	return nil
}

func (p *Provider) CanAliasMap() bool { return p.aliasMap }

func bytesAt(addr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
