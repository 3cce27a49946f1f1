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

import "errors"

// Error kinds returned by Segment and Facade operations. Named by meaning,
// not by call site, so callers can switch on errors.Is.
var (
	// ErrBadSize indicates a request was not a positive multiple of the
	// granularity after rounding, or exceeded the segment it was requested
	// against.
	ErrBadSize = errors.New("devmem: size is not a positive multiple of the granularity")

	// ErrNotOwned indicates a pointer passed to Deallocate does not
	// correspond to any live used subrange.
	ErrNotOwned = errors.New("devmem: pointer does not correspond to a known allocation")

	// ErrOutOfPhysical indicates the provider could not allocate a
	// physical page.
	ErrOutOfPhysical = errors.New("devmem: provider could not allocate physical memory")

	// ErrOutOfVirtual indicates that no free subrange was large enough for
	// a request even after a compaction attempt.
	ErrOutOfVirtual = errors.New("devmem: no free subrange large enough, even after compaction")

	// ErrMapFailed indicates a provider Map call failed.
	ErrMapFailed = errors.New("devmem: provider failed to map a page")

	// ErrUnmapFailed indicates a provider Unmap call failed.
	ErrUnmapFailed = errors.New("devmem: provider failed to unmap a range")

	// ErrCopyFailed indicates a provider Copy call failed during the
	// compaction copy-fallback path.
	ErrCopyFailed = errors.New("devmem: provider failed to copy during compaction")

	// ErrBadSplit indicates a split offset did not fall on a subrange
	// boundary or was not a multiple of the granularity.
	ErrBadSplit = errors.New("devmem: split offset is not on a subrange boundary")

	// ErrCompactionFailed indicates compaction aborted mid-way; the
	// segment remains valid (see Segment.Compact for the rollback
	// contract).
	ErrCompactionFailed = errors.New("devmem: compaction aborted")

	// ErrNotAdjacent indicates mergeSegments was called on segments whose
	// virtual windows are not adjacent in device-virtual space, that
	// belong to different devices, or one of which was already absorbed
	// by an earlier merge.
	ErrNotAdjacent = errors.New("devmem: segments are not address-adjacent")

	// ErrMergeFailed indicates a merge aborted while migrating pages into
	// the combined window. spec.md §7 does not name a merge-specific error
	// kind (only split's ErrBadSplit); this one exists because mergeSegments
	// — unlike Split — migrates pages out of two already-live segments, so
	// it gets its own sentinel rather than overloading ErrBadSplit or
	// ErrCompactionFailed. Pages already migrated when it is returned are
	// not moved back.
	ErrMergeFailed = errors.New("devmem: merge aborted while migrating pages")
)
