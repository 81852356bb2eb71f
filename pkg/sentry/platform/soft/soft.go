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

// Package soft implements platform.Platform with page tables kept in
// ordinary memory. Translation is performed in software by the page table
// walker, which is what the memory manager's copy paths use.
package soft

import (
	"fmt"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/metric"
	"vmmap.dev/vmmap/pkg/sentry/platform"
	"vmmap.dev/vmmap/pkg/sentry/platform/pagetables"
	"vmmap.dev/vmmap/pkg/sync"
)

var rootSwitches = metric.MustCreateNewUint64Metric("/platform/root_switches", "Number of page table root switches on all CPUs.")

// Opts holds options to New.
type Opts struct {
	// UserRange is the range governed by user page tables.
	UserRange hostarch.AddrRange

	// KernelRange is the range governed by the kernel page table.
	KernelRange hostarch.AddrRange

	// CPUs is the number of CPUs. Zero means one.
	CPUs int
}

// Platform is a software platform.
type Platform struct {
	userRange   hostarch.AddrRange
	kernelRange hostarch.AddrRange

	// allocator backs all page table nodes.
	allocator *pagetables.RuntimeAllocator

	kernel *PageTable
	cpus   []*CPU
}

var _ platform.Platform = (*Platform)(nil)

// New returns a new software platform.
func New(opts Opts) (*Platform, error) {
	for _, r := range []struct {
		name string
		ar   hostarch.AddrRange
	}{
		{"user", opts.UserRange},
		{"kernel", opts.KernelRange},
	} {
		if r.ar.Length() == 0 || !r.ar.WellFormed() || !r.ar.IsPageAligned() {
			return nil, fmt.Errorf("invalid %s range %v: %w", r.name, r.ar, linuxerr.EINVAL)
		}
		if uintptr(r.ar.End) > pagetables.MaxAddress {
			return nil, fmt.Errorf("%s range %v exceeds the translatable range: %w", r.name, r.ar, linuxerr.EINVAL)
		}
	}
	if opts.UserRange.Overlaps(opts.KernelRange) {
		return nil, fmt.Errorf("user range %v overlaps kernel range %v: %w", opts.UserRange, opts.KernelRange, linuxerr.EINVAL)
	}
	n := opts.CPUs
	if n <= 0 {
		n = 1
	}
	p := &Platform{
		userRange:   opts.UserRange,
		kernelRange: opts.KernelRange,
		allocator:   pagetables.NewRuntimeAllocator(),
	}
	p.kernel = p.newPageTable(opts.KernelRange)
	for i := 0; i < n; i++ {
		p.cpus = append(p.cpus, &CPU{id: i})
	}
	log.Debugf("soft platform: user %v, kernel %v, %d CPUs", opts.UserRange, opts.KernelRange, n)
	return p, nil
}

func (p *Platform) newPageTable(bounds hostarch.AddrRange) *PageTable {
	return &PageTable{
		bounds: bounds,
		tables: pagetables.New(p.allocator),
	}
}

// MinUserAddress implements platform.Platform.MinUserAddress.
func (p *Platform) MinUserAddress() hostarch.Addr {
	return p.userRange.Start
}

// MaxUserAddress implements platform.Platform.MaxUserAddress.
func (p *Platform) MaxUserAddress() hostarch.Addr {
	return p.userRange.End
}

// NewPageTable implements platform.Platform.NewPageTable.
func (p *Platform) NewPageTable() (platform.PageTable, error) {
	return p.newPageTable(p.userRange), nil
}

// KernelPageTable implements platform.Platform.KernelPageTable.
func (p *Platform) KernelPageTable() platform.PageTable {
	return p.kernel
}

// NumCPUs implements platform.Platform.NumCPUs.
func (p *Platform) NumCPUs() int {
	return len(p.cpus)
}

// CPU implements platform.Platform.CPU.
func (p *Platform) CPU(id int) platform.CPU {
	return p.cpus[id]
}

// PageTableNodes returns the number of page table nodes currently allocated
// across all page tables of the platform.
func (p *Platform) PageTableNodes() int {
	return p.allocator.Nodes()
}

// PageTable implements platform.PageTable.
type PageTable struct {
	bounds hostarch.AddrRange
	tables *pagetables.PageTables

	mu       sync.Mutex
	released bool
}

var _ platform.PageTable = (*PageTable)(nil)

// Bounds implements platform.PageTable.Bounds.
func (pt *PageTable) Bounds() hostarch.AddrRange {
	return pt.bounds
}

// MapPage implements platform.PageTable.MapPage.
func (pt *PageTable) MapPage(addr hostarch.Addr, physical uint64, at hostarch.AccessType) error {
	if !addr.IsPageAligned() || !hostarch.Addr(physical).IsPageAligned() {
		return fmt.Errorf("unaligned translation %v -> %#x: %w", addr, physical, linuxerr.EINVAL)
	}
	if !pt.bounds.Contains(addr) {
		return platform.ErrOutOfBounds{Addr: addr, Bounds: pt.bounds}
	}
	if !at.Any() {
		return fmt.Errorf("translation %v -> %#x without access: %w", addr, physical, linuxerr.EINVAL)
	}
	pt.checkLive()
	pt.tables.Map(addr, hostarch.PageSize, pagetables.MapOpts{AccessType: at, User: true}, uintptr(physical))
	return nil
}

// UnmapRange implements platform.PageTable.UnmapRange.
func (pt *PageTable) UnmapRange(ar hostarch.AddrRange) {
	pt.checkLive()
	ar = ar.Intersect(pt.bounds)
	if ar.Length() == 0 {
		return
	}
	pt.tables.Unmap(ar.Start, uintptr(ar.Length()))
}

// Lookup implements platform.PageTable.Lookup.
func (pt *PageTable) Lookup(addr hostarch.Addr) (uint64, hostarch.AccessType, bool) {
	if !pt.bounds.Contains(addr) {
		return 0, hostarch.NoAccess, false
	}
	physical, opts, ok := pt.tables.Lookup(addr)
	return uint64(physical), opts.AccessType, ok
}

// Root implements platform.PageTable.Root.
func (pt *PageTable) Root() uintptr {
	return pt.tables.Root()
}

// Release implements platform.PageTable.Release.
func (pt *PageTable) Release() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.released {
		panic(fmt.Sprintf("page table %#x released twice", pt.tables.Root()))
	}
	pt.released = true
	pt.tables.Release()
}

func (pt *PageTable) checkLive() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.released {
		panic(fmt.Sprintf("use of released page table %#x", pt.tables.Root()))
	}
}

// CPU implements platform.CPU.
type CPU struct {
	id int

	mu sync.Mutex

	// active is the active user page table.
	//
	// +checklocks:mu
	active platform.PageTable

	// switches counts root switches.
	//
	// +checklocks:mu
	switches uint64
}

var _ platform.CPU = (*CPU)(nil)

// ID implements platform.CPU.ID.
func (c *CPU) ID() int {
	return c.id
}

// Activate implements platform.CPU.Activate.
func (c *CPU) Activate(pt platform.PageTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == pt {
		return
	}
	c.active = pt
	c.switches++
	rootSwitches.Increment()
}

// Active implements platform.CPU.Active.
func (c *CPU) Active() platform.PageTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Switches returns the number of root switches performed on c.
func (c *CPU) Switches() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switches
}
