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

package hostprovider_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/lwx270901/gcpool/pkg/sentry/devmem"
	"github.com/lwx270901/gcpool/pkg/sentry/devmem/hostprovider"
)

// These tests exercise the facade against genuine mmap'd host memory
// rather than fakeProvider, so they double as a smoke test that
// hostprovider's Reserve/CreatePage/Map/Unmap/Copy sequencing actually
// works against the real syscalls it wraps.

func testConfig() devmem.Config {
	cfg := devmem.DefaultConfig()
	cfg.DefaultSegmentSize = 4 * (2 << 20) // 4 * G
	return cfg
}

func TestAllocateDeallocateOverHostMemory(t *testing.T) {
	p := hostprovider.New(true)
	f := devmem.NewFacade(p, testConfig(), nil)

	addr, err := f.Allocate(0, 2<<20)
	assert.NilError(t, err)
	assert.Assert(t, addr != 0)

	assert.NilError(t, f.Deallocate(addr))
}

func TestCompactionRelocatesOverHostMemoryZeroCopy(t *testing.T) {
	p := hostprovider.New(true) // aliasMap true: exercises the mremap zero-copy path
	f := devmem.NewFacade(p, testConfig(), nil)

	var addrs [4]devmem.Addr
	for i := range addrs {
		addr, err := f.Allocate(0, 2<<20)
		assert.NilError(t, err)
		addrs[i] = addr
	}
	// Free every other page so the segment is fragmented but has enough
	// total free space to satisfy a subsequent allocation only after
	// compaction packs the survivors together.
	assert.NilError(t, f.Deallocate(addrs[0]))
	assert.NilError(t, f.Deallocate(addrs[2]))

	// A 2*G allocation cannot first-fit into either 1*G hole, forcing the
	// single-retry-after-compaction path (spec.md §4.1) to exercise
	// hostprovider's mremap-based relocation for real.
	addr, err := f.Allocate(0, 2*(2<<20))
	assert.NilError(t, err)
	assert.Assert(t, addr != 0)

	assert.NilError(t, f.Deallocate(addr))
	assert.NilError(t, f.Deallocate(addrs[1]))
	assert.NilError(t, f.Deallocate(addrs[3]))
}

func TestCompactionRelocatesOverHostMemoryCopyFallback(t *testing.T) {
	p := hostprovider.New(false) // aliasMap false: forces the copy+mprotect fallback
	f := devmem.NewFacade(p, testConfig(), nil)

	var addrs [4]devmem.Addr
	for i := range addrs {
		addr, err := f.Allocate(0, 2<<20)
		assert.NilError(t, err)
		addrs[i] = addr
	}
	assert.NilError(t, f.Deallocate(addrs[0]))
	assert.NilError(t, f.Deallocate(addrs[2]))

	addr, err := f.Allocate(0, 2*(2<<20))
	assert.NilError(t, err)
	assert.Assert(t, addr != 0)

	assert.NilError(t, f.Deallocate(addr))
	assert.NilError(t, f.Deallocate(addrs[1]))
	assert.NilError(t, f.Deallocate(addrs[3]))
}
