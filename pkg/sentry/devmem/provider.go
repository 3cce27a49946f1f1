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

// Package devmem implements a device-memory allocator that separates
// physical page allocation from virtual address mapping, following the
// "segment manager + free list + compaction + fragmentation monitor"
// design described for GPU-style virtual memory management (VMM)
// allocators. It does not talk to any device driver directly; it consumes
// a Provider capability (below) that models the low-level handle API.
package devmem

// Handle is an opaque provider-owned physical page handle. Providers
// define their own concrete representation; the core never interprets it.
type Handle any

// Addr is a device-virtual address. It is provider-defined (usually a
// uintptr-sized value), kept opaque here so the core never does pointer
// arithmetic that depends on host semantics.
type Addr uint64

// Provider is the Device Memory Provider capability consumed by the core.
// It models the low-level device-driver handle API described in spec §6:
// reserving/freeing virtual ranges, creating/releasing physical pages,
// and mapping/unmapping/copying between them. Implementations must be
// safe for concurrent use; the core never calls two Provider methods
// concurrently for the same Addr range, but different segments may call
// concurrently.
type Provider interface {
	// Granularity returns G, the minimum mappable unit. It is expected
	// to be constant for the lifetime of the Provider.
	Granularity() uint64

	// Reserve reserves a contiguous virtual range of the given size
	// (a multiple of Granularity) without backing it with memory.
	Reserve(size uint64) (Addr, error)

	// Free releases a reservation made by Reserve. The caller must have
	// unmapped every sub-range within it first.
	Free(addr Addr, size uint64) error

	// CreatePage allocates a physical page of the given size (a multiple
	// of Granularity) for the given device.
	CreatePage(deviceID int, size uint64) (Handle, error)

	// ReleasePage releases a physical page handle. Idempotent: releasing
	// an already-released handle is a no-op.
	ReleasePage(h Handle) error

	// Map binds a physical page to a virtual sub-range. It fails if the
	// sub-range is already mapped.
	Map(addr Addr, size uint64, h Handle) error

	// Unmap tears down a mapping. Must not be called on an already-
	// unmapped range.
	Unmap(addr Addr, size uint64) error

	// SetAccess grants read/write access on the given device for a
	// mapped sub-range.
	SetAccess(addr Addr, size uint64, deviceID int) error

	// Copy performs a synchronous device-side copy of size bytes from
	// src to dst. Used only by the compaction copy-fallback path.
	Copy(dst, src Addr, size uint64) error

	// CanAliasMap reports whether the provider can remap an existing
	// physical page handle to a new virtual offset without copying
	// (spec §4.3's "zero-copy remap"). Providers that always report
	// false force compaction onto the copy fallback.
	CanAliasMap() bool
}
