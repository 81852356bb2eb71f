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

// Package pagetables provides a generic implementation of pagetables.
//
// The tables are a four level radix tree with 512 entries per node, covering
// a 48-bit virtual address space with 4K leaf pages. Nodes are obtained from
// an Allocator, which also gives each node its "physical" address; interior
// entries refer to their children by that address only.
package pagetables

import (
	"fmt"

	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sync"
)

const (
	// levels is the depth of the tree.
	levels = 4

	// entriesShift is log2(entries).
	entriesShift = 9

	// entries is the number of PTEs per node.
	entries = 1 << entriesShift

	// pteSize is the size of memory mapped by a single leaf PTE.
	pteSize = hostarch.PageSize

	// MaxAddress is the first address beyond the translatable range.
	MaxAddress = uintptr(1) << (hostarch.PageShift + levels*entriesShift)
)

// Bits in a PTE.
const (
	present    = 1 << 0
	writable   = 1 << 1
	user       = 1 << 2
	accessed   = 1 << 5
	readable   = 1 << 9
	executable = 1 << 10

	addressMask = (uint64(1)<<52 - 1) &^ uint64(hostarch.PageSize-1)
	optsMask    = writable | user | readable | executable
)

// MapOpts are options for a mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is a user page.
	User bool
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	if o.User {
		return o.AccessType.String() + "u"
	}
	return o.AccessType.String()
}

// PTE is a page table entry.
type PTE uint64

// PTEs is a node's worth of entries.
type PTEs [entries]PTE

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// Address returns the physical address referred to by this entry.
func (p *PTE) Address() uintptr {
	return uintptr(uint64(*p) & addressMask)
}

// Opts returns the mapping options of a leaf entry.
func (p *PTE) Opts() MapOpts {
	if !p.Valid() {
		return MapOpts{}
	}
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    *p&readable != 0,
			Write:   *p&writable != 0,
			Execute: *p&executable != 0,
		},
		User: *p&user != 0,
	}
}

// Clear clears this entry.
func (p *PTE) Clear() {
	*p = 0
}

// Set sets a leaf entry.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := uint64(addr)&addressMask | present | accessed
	if opts.AccessType.Read {
		v |= readable
	}
	if opts.AccessType.Write {
		v |= writable
	}
	if opts.AccessType.Execute {
		v |= executable
	}
	if opts.User {
		v |= user
	}
	*p = PTE(v)
}

// setPageTable sets this entry as an interior entry pointing at physical.
func (p *PTE) setPageTable(physical uintptr) {
	*p = PTE(uint64(physical)&addressMask | present | writable | user | readable | executable | accessed)
}

// Allocator is used to allocate and map PTEs.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and its physical address.
	NewPTEs() (*PTEs, uintptr)

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs frees a set of PTEs.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator allocates nodes from the Go heap and hands out synthetic
// physical addresses for them.
type RuntimeAllocator struct {
	mu   sync.Mutex
	next uintptr
	byPA map[uintptr]*PTEs
	byVA map[*PTEs]uintptr
}

// nodeBase is the first synthetic physical address handed out by
// RuntimeAllocator.
const nodeBase = uintptr(0x10000000)

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next: nodeBase,
		byPA: make(map[uintptr]*PTEs),
		byVA: make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ptes := new(PTEs)
	physical := r.next
	r.next += hostarch.PageSize
	r.byPA[physical] = ptes
	r.byVA[ptes] = physical
	return ptes, physical
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPA[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	physical, ok := r.byVA[ptes]
	if !ok {
		panic(fmt.Sprintf("freeing unknown PTEs %p", ptes))
	}
	delete(r.byVA, ptes)
	delete(r.byPA, physical)
}

// Nodes returns the number of live nodes.
func (r *RuntimeAllocator) Nodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPA)
}

// PageTables is a set of page tables.
type PageTables struct {
	mu sync.Mutex

	// Allocator is used to allocate nodes. It is immutable.
	Allocator Allocator

	// root is the pagetable root.
	//
	// +checklocks:mu
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := &PageTables{Allocator: a}
	p.root, p.rootPhysical = a.NewPTEs()
	return p
}

// Root returns the physical address of the root node, as loaded into the
// translation base register when these tables are activated.
func (p *PageTables) Root() uintptr {
	return p.rootPhysical
}

// visitor is called for each leaf PTE in a range.
type visitor func(s, e uintptr, pte *PTE)

// iterateRange walks all leaves in [start, end). If alloc is true, missing
// interior nodes are allocated; otherwise missing subtrees are skipped and
// empty nodes are freed after the walk.
//
// +checklocks:p.mu
func (p *PageTables) iterateRange(start, end uintptr, alloc bool, fn visitor) {
	if start >= end || p.root == nil {
		return
	}
	if end > MaxAddress {
		end = MaxAddress
	}
	p.walk(p.root, levels-1, 0, start, end, alloc, fn)
}

// walk visits the part of [start, end) under node, whose coverage begins at
// base.
//
// +checklocks:p.mu
func (p *PageTables) walk(node *PTEs, level int, base, start, end uintptr, alloc bool, fn visitor) {
	shift := hostarch.PageShift + uint(level)*entriesShift
	span := uintptr(1) << shift
	for i := int((start - base) >> shift); i < entries; i++ {
		s := base + uintptr(i)*span
		if s >= end {
			return
		}
		e := s + span
		pte := &node[i]
		if level == 0 {
			fn(s, e, pte)
			continue
		}
		if !pte.Valid() {
			if !alloc {
				continue
			}
			_, physical := p.Allocator.NewPTEs()
			pte.setPageTable(physical)
		}
		child := p.Allocator.LookupPTEs(pte.Address())
		if child == nil {
			panic(fmt.Sprintf("interior PTE %#x refers to unknown node", uint64(*pte)))
		}
		cs := start
		if cs < s {
			cs = s
		}
		ce := end
		if ce > e {
			ce = e
		}
		p.walk(child, level-1, s, cs, ce, alloc, fn)
		if !alloc && empty(child) {
			pte.Clear()
			p.Allocator.FreePTEs(child)
		}
	}
}

func empty(n *PTEs) bool {
	for i := range n {
		if n[i].Valid() {
			return false
		}
	}
	return true
}

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be aligned, their sum must not overflow.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) bool {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length)
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || uintptr(end) > MaxAddress {
		panic(fmt.Sprintf("pagetables.Map: range %#x+%#x out of bounds", addr, length))
	}
	prev := false
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(uintptr(addr), uintptr(end), true, func(s, e uintptr, pte *PTE) {
		pa := physical + (s - uintptr(addr))
		prev = prev || (pte.Valid() && (pa != pte.Address() || opts != pte.Opts()))
		pte.Set(pa, opts)
	})
	return prev
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) bool {
	end := uintptr(addr) + length
	if end < uintptr(addr) {
		end = ^uintptr(0)
	}
	count := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(uintptr(addr), end, false, func(s, e uintptr, pte *PTE) {
		if pte.Valid() {
			pte.Clear()
			count++
		}
	})
	return count > 0
}

// Lookup returns the physical address and options for the given virtual
// address. ok is false if no mapping exists.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	off := uintptr(addr.PageOffset())
	page := uintptr(addr.RoundDown())
	if page >= MaxAddress {
		return 0, MapOpts{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	node := p.root
	if node == nil {
		return 0, MapOpts{}, false
	}
	for level := levels - 1; level >= 0; level-- {
		shift := hostarch.PageShift + uint(level)*entriesShift
		pte := &node[(page>>shift)&(entries-1)]
		if !pte.Valid() {
			return 0, MapOpts{}, false
		}
		if level == 0 {
			return pte.Address() + off, pte.Opts(), true
		}
		node = p.Allocator.LookupPTEs(pte.Address())
	}
	panic("unreachable")
}

// Release releases this set of tables. All mappings are removed and every
// node, including the root, is returned to the allocator.
func (p *PageTables) Release() {
	p.Unmap(0, ^uintptr(0))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root != nil {
		p.Allocator.FreePTEs(p.root)
		p.root = nil
	}
}
