// Copyright 2026 The gVisor Authors.
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

package mm

import (
	"fmt"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/memmap"
)

// Entry is a contiguous mapped region of an address space with uniform
// permissions and a single backing object.
//
// Entries are created by Map.AddEntry and friends and live until removed
// from their map.
type Entry struct {
	// ar is the mapped range. ar.Start is the entry's key in its map and
	// never changes while the entry is in a map; ar.End moves when the entry
	// is split.
	ar hostarch.AddrRange

	// perms are the permissions of the mapping.
	perms hostarch.AccessType

	// object backs the mapping and is owned by the entry. It is nil once the
	// entry has been destroyed.
	object memmap.Object
}

// newEntry returns an entry for ar without a backing object.
func newEntry(ar hostarch.AddrRange, perms hostarch.AccessType) (*Entry, error) {
	if !ar.WellFormed() || ar.Length() == 0 {
		return nil, fmt.Errorf("empty or inverted range %v: %w", ar, linuxerr.EINVAL)
	}
	if !ar.IsPageAligned() {
		return nil, fmt.Errorf("unaligned range %v: %w", ar, linuxerr.EINVAL)
	}
	return &Entry{ar: ar, perms: perms}, nil
}

// entryLess orders entries by start address.
func entryLess(a, b *Entry) bool {
	return a.ar.Start < b.ar.Start
}

// Range returns the mapped range.
func (e *Entry) Range() hostarch.AddrRange {
	return e.ar
}

// Start returns the first mapped address.
func (e *Entry) Start() hostarch.Addr {
	return e.ar.Start
}

// End returns the address following the mapped range.
func (e *Entry) End() hostarch.Addr {
	return e.ar.End
}

// Perms returns the entry's permissions.
func (e *Entry) Perms() hostarch.AccessType {
	return e.perms
}

// Object returns the backing object.
func (e *Entry) Object() memmap.Object {
	return e.object
}

// Offset returns the offset of addr into the backing object.
//
// Preconditions: e.Range().Contains(addr).
func (e *Entry) Offset(addr hostarch.Addr) uint64 {
	return uint64(addr - e.ar.Start)
}

// String implements fmt.Stringer.String.
func (e *Entry) String() string {
	obj := "<none>"
	if e.object != nil {
		obj = e.object.Dump()
	}
	return fmt.Sprintf("%08x - %08x [%s] %s", uint64(e.ar.Start), uint64(e.ar.End), e.perms, obj)
}

// destroy releases the backing object.
func (e *Entry) destroy() {
	if e.object == nil {
		panic(fmt.Sprintf("entry %v destroyed twice", e.ar))
	}
	e.object.Destroy()
	e.object = nil
}

// splitAt splits e at addr. e keeps [e.Start(), addr) and the returned entry
// receives [addr, e.End()) with the same permissions and the corresponding
// tail of the object.
//
// Preconditions: e.Range().CanSplitAt(addr). addr is page aligned.
func (e *Entry) splitAt(addr hostarch.Addr) (*Entry, error) {
	tailObj, err := e.object.Split(e.Offset(addr))
	if err != nil {
		return nil, err
	}
	tail := &Entry{
		ar:     hostarch.AddrRange{Start: addr, End: e.ar.End},
		perms:  e.perms,
		object: tailObj,
	}
	e.ar.End = addr
	return tail, nil
}
