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
	"io"
	"strings"
	"unsafe"

	"github.com/google/btree"
	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/sentry/memmap"
	"vmmap.dev/vmmap/pkg/sentry/platform"
)

// entryDegree is the B-tree degree of entry indexes.
const entryDegree = 16

var (
	entrySize = unsafe.Sizeof(Entry{})
	mapSize   = unsafe.Sizeof(Map{})
)

// Map is an address space: a set of non-overlapping entries within the
// bounds of the map's page table.
//
// Map is not synchronized. Callers must serialize all operations on a given
// map, including page faults against it.
type Map struct {
	sys *System

	// pt is the map's page table, owned by the map. The kernel map's page
	// table is owned by the platform.
	pt platform.PageTable

	// entries indexes entries by start address.
	entries *btree.BTreeG[*Entry]

	kernel    bool
	destroyed bool
}

func newMap(sys *System, pt platform.PageTable, kernel bool) *Map {
	return &Map{
		sys:     sys,
		pt:      pt,
		entries: btree.NewG(entryDegree, entryLess),
		kernel:  kernel,
	}
}

// Bounds returns the range governed by the map's page table.
func (m *Map) Bounds() hostarch.AddrRange {
	return m.pt.Bounds()
}

// PageTable returns the map's page table.
func (m *Map) PageTable() platform.PageTable {
	return m.pt
}

// IsKernel returns true for the kernel map.
func (m *Map) IsKernel() bool {
	return m.kernel
}

// EntryCount returns the number of entries in the map.
func (m *Map) EntryCount() int {
	return m.entries.Len()
}

// ForEachEntry calls fn on each entry in address order until fn returns
// false. fn must not add or remove entries.
func (m *Map) ForEachEntry(fn func(e *Entry) bool) {
	m.entries.Ascend(func(e *Entry) bool {
		return fn(e)
	})
}

// key returns a search key for addr.
func key(addr hostarch.Addr) *Entry {
	return &Entry{ar: hostarch.AddrRange{Start: addr, End: addr}}
}

// FindEntry returns the entry containing addr.
func (m *Map) FindEntry(addr hostarch.Addr) (*Entry, bool) {
	var found *Entry
	m.entries.DescendLessOrEqual(key(addr), func(e *Entry) bool {
		found = e
		return false
	})
	if found == nil || !found.ar.Contains(addr) {
		return nil, false
	}
	return found, true
}

// checkRange returns an error if ar cannot be mapped in m.
func (m *Map) checkRange(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return fmt.Errorf("invalid range %v: %w", ar, linuxerr.EINVAL)
	}
	if bounds := m.Bounds(); !bounds.IsSupersetOf(ar) {
		return fmt.Errorf("range %v outside map bounds %v: %w", ar, bounds, linuxerr.EINVAL)
	}
	return nil
}

// overlapping returns the lowest entry overlapping ar, if any.
//
// Preconditions: ar.Length() != 0.
func (m *Map) overlapping(ar hostarch.AddrRange) (*Entry, bool) {
	if e, ok := m.FindEntry(ar.Start); ok {
		return e, true
	}
	var found *Entry
	m.entries.AscendRange(key(ar.Start), key(ar.End), func(e *Entry) bool {
		found = e
		return false
	})
	return found, found != nil
}

// AddEntry maps ar with permissions perms, backed by a new object from the
// system's default pager.
func (m *Map) AddEntry(ar hostarch.AddrRange, perms hostarch.AccessType) (*Entry, error) {
	if err := m.checkRange(ar); err != nil {
		return nil, err
	}
	obj, err := m.sys.defaultPager.NewObject(ar.Length())
	if err != nil {
		return nil, err
	}
	e, err := m.AddEntryWithObject(ar, perms, obj)
	if err != nil {
		obj.Destroy()
		return nil, err
	}
	return e, nil
}

// AddEntryWithObject maps ar with permissions perms, backed by obj. On
// success the map takes ownership of obj; on failure the caller keeps it.
//
// ar must be non-empty, page aligned and within the map's bounds, and must
// not overlap an existing entry. obj must be exactly ar.Length() bytes.
func (m *Map) AddEntryWithObject(ar hostarch.AddrRange, perms hostarch.AccessType, obj memmap.Object) (*Entry, error) {
	if m.destroyed {
		panic("AddEntry on destroyed map")
	}
	if err := m.checkRange(ar); err != nil {
		return nil, err
	}
	if obj == nil || obj.Size() != ar.Length() {
		return nil, fmt.Errorf("object of wrong size for %v: %w", ar, linuxerr.EINVAL)
	}
	if other, ok := m.overlapping(ar); ok {
		return nil, fmt.Errorf("range %v overlaps entry %v: %w", ar, other.ar, linuxerr.EEXIST)
	}
	e, err := newEntry(ar, perms)
	if err != nil {
		return nil, err
	}
	if err := m.sys.arena.charge(entrySize); err != nil {
		return nil, fmt.Errorf("entry for %v: %w", ar, err)
	}
	e.object = obj
	m.insert(e)
	entriesAdded.Increment()
	log.Debugf("vm_map: added %v", e)
	return e, nil
}

// insert adds e to the index.
func (m *Map) insert(e *Entry) {
	if old, replaced := m.entries.ReplaceOrInsert(e); replaced {
		panic(fmt.Sprintf("entry %v replaced %v", e.ar, old.ar))
	}
}

// RemoveEntry unmaps e and destroys its object.
//
// Preconditions: e is an entry of m.
func (m *Map) RemoveEntry(e *Entry) {
	if got, ok := m.entries.Get(e); !ok || got != e {
		panic(fmt.Sprintf("entry %v is not in map %v", e.ar, m.Bounds()))
	}
	m.entries.Delete(e)
	m.pt.UnmapRange(e.ar)
	e.destroy()
	m.sys.arena.uncharge(entrySize)
	entriesRemoved.Increment()
	log.Debugf("vm_map: removed %v", e.ar)
}

// removeAll removes every entry, first to last.
func (m *Map) removeAll() {
	for {
		e, ok := m.entries.Min()
		if !ok {
			return
		}
		m.RemoveEntry(e)
	}
}

// Protect changes the permissions of every address in ar to perms.
//
// Entries straddling ar's boundaries are split so that only ar changes;
// entries are not merged afterwards. Translations in ar are removed, so the
// next access faults under the new permissions. If ar is not entirely mapped
// Protect returns ENOMEM and changes nothing.
func (m *Map) Protect(ar hostarch.AddrRange, perms hostarch.AccessType) error {
	if err := m.checkRange(ar); err != nil {
		return err
	}

	// Collect the covered entries and check for holes.
	var covered []*Entry
	cursor := ar.Start
	hole := false
	if first, ok := m.FindEntry(ar.Start); ok {
		covered = append(covered, first)
		cursor = first.ar.End
	} else {
		hole = true
	}
	if !hole {
		m.entries.AscendRange(key(cursor), key(ar.End), func(e *Entry) bool {
			if e.ar.Start != cursor {
				hole = true
				return false
			}
			covered = append(covered, e)
			cursor = e.ar.End
			return true
		})
	}
	if hole || cursor < ar.End {
		return fmt.Errorf("range %v is not fully mapped: %w", ar, linuxerr.ENOMEM)
	}

	// Reserve bookkeeping for the split entries up front.
	first, last := covered[0], covered[len(covered)-1]
	splits := 0
	if first.ar.Start < ar.Start {
		splits++
	}
	if last.ar.End > ar.End {
		splits++
	}
	for i := 0; i < splits; i++ {
		if err := m.sys.arena.charge(entrySize); err != nil {
			for ; i > 0; i-- {
				m.sys.arena.uncharge(entrySize)
			}
			return fmt.Errorf("splitting entries for %v: %w", ar, err)
		}
	}

	// Splitting does not change what any address maps to, so a failure
	// part way leaves the map consistent.
	if first.ar.Start < ar.Start {
		tail, err := first.splitAt(ar.Start)
		if err != nil {
			m.sys.arena.uncharge(entrySize * uintptr(splits))
			return err
		}
		splits--
		m.insert(tail)
		covered[0] = tail
		if first == last {
			last = tail
		}
	}
	if last.ar.End > ar.End {
		tail, err := last.splitAt(ar.End)
		if err != nil {
			m.sys.arena.uncharge(entrySize * uintptr(splits))
			return err
		}
		m.insert(tail)
	}

	for _, e := range covered {
		e.perms = perms
	}
	m.pt.UnmapRange(ar)
	log.Debugf("vm_map: protected %v as %v (%d entries)", ar, perms, len(covered))
	return nil
}

// Dump writes a listing of the map's bounds and entries to w.
func (m *Map) Dump(w io.Writer) {
	bounds := m.Bounds()
	fmt.Fprintf(w, "Virtual memory map (%08x - %08x):\n", uint64(bounds.Start), uint64(bounds.End))
	m.ForEachEntry(func(e *Entry) bool {
		fmt.Fprintf(w, " * %v\n", e)
		return true
	})
}

// String implements fmt.Stringer.String.
func (m *Map) String() string {
	var b strings.Builder
	m.Dump(&b)
	return b.String()
}

// LogDump logs the map listing at Info level, one line per entry.
func (m *Map) LogDump() {
	for _, line := range strings.Split(strings.TrimSuffix(m.String(), "\n"), "\n") {
		log.Infof("[vm_map] %s", line)
	}
}
