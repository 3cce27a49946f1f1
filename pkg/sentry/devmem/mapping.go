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

// Mapping binds an offset inside a VirWindow to a PhyPage. A page
// referenced by a live Mapping is referenced by exactly one live Mapping
// at a time; Mapping holds the strong reference to its Page, and Page
// holds only a weak (diagnostic) back-reference — see blockref.go and
// spec.md §9.
type Mapping struct {
	window *VirWindow
	offset uint64
	size   uint64
	page   *PhyPage
}

// newMapping maps page into window at offset, sets access rights, and
// records a diagnostic back-reference on the page.
func newMapping(window *VirWindow, offset, size uint64, page *PhyPage, deviceID int, externalID uint64) (*Mapping, error) {
	addr := Addr(uint64(window.Base()) + offset)
	if err := window.provider.Map(addr, size, page.handle); err != nil {
		return nil, err
	}
	if err := window.provider.SetAccess(addr, size, deviceID); err != nil {
		_ = window.provider.Unmap(addr, size)
		return nil, err
	}
	window.addMapping()
	page.recordMapping(offset, externalID)
	return &Mapping{window: window, offset: offset, size: size, page: page}, nil
}

// Addr returns the device-virtual address this mapping lives at.
func (m *Mapping) Addr() Addr {
	return Addr(uint64(m.window.Base()) + m.offset)
}

// unmap tears down the mapping via the provider. It does not release the
// page's handle; callers decide the page's fate (reused at a new offset
// during compaction, or released during deallocation/teardown).
func (m *Mapping) unmap() error {
	if err := m.window.provider.Unmap(m.Addr(), m.size); err != nil {
		return err
	}
	m.window.removeMapping()
	m.page.markFree()
	return nil
}
