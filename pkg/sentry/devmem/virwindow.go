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

// VirWindow owns one reserved virtual address range. It tracks whether
// any sub-range within it is currently mapped, which gates whether the
// reservation can be freed.
type VirWindow struct {
	mu sync.Mutex

	base     Addr
	size     uint64
	provider Provider

	mappedCount int // number of live mappings inside this window
	released    bool
}

// newVirWindow reserves a virtual range of the given size via the
// provider.
func newVirWindow(provider Provider, size uint64) (*VirWindow, error) {
	base, err := provider.Reserve(size)
	if err != nil {
		return nil, err
	}
	return &VirWindow{base: base, size: size, provider: provider}, nil
}

// Base returns the window's base virtual address.
func (w *VirWindow) Base() Addr {
	return w.base
}

// Size returns the window's size in bytes.
func (w *VirWindow) Size() uint64 {
	return w.size
}

func (w *VirWindow) addMapping() {
	w.mu.Lock()
	w.mappedCount++
	w.mu.Unlock()
}

func (w *VirWindow) removeMapping() {
	w.mu.Lock()
	w.mappedCount--
	w.mu.Unlock()
}

// Release frees the reservation. The caller (Segment) must have unmapped
// every mapping inside the window first; Release returns an error rather
// than silently leaking the reservation if that invariant was violated.
func (w *VirWindow) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}
	if w.mappedCount != 0 {
		return ErrUnmapFailed
	}
	w.released = true
	return w.provider.Free(w.base, w.size)
}
