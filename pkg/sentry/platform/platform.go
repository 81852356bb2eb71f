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

// Package platform provides the hardware translation abstraction used by the
// memory manager.
//
// A Platform supplies page tables, one per address space plus a single
// kernel page table, and the CPUs that page tables are activated on. The
// memory manager only installs and removes single-page translations; how a
// Platform represents them is its own business.
package platform

import (
	"fmt"

	"vmmap.dev/vmmap/pkg/hostarch"
)

// Platform provides page tables and CPUs.
type Platform interface {
	// MinUserAddress returns the minimum mappable user address on this
	// platform.
	MinUserAddress() hostarch.Addr

	// MaxUserAddress returns the maximum mappable user address on this
	// platform.
	MaxUserAddress() hostarch.Addr

	// NewPageTable returns a new, empty page table governing the user range
	// [MinUserAddress, MaxUserAddress).
	NewPageTable() (PageTable, error)

	// KernelPageTable returns the page table governing the kernel range. The
	// same PageTable is returned by every call; it is never released.
	KernelPageTable() PageTable

	// NumCPUs returns the number of CPUs.
	NumCPUs() int

	// CPU returns the CPU with the given index.
	//
	// Preconditions: 0 <= id < NumCPUs().
	CPU(id int) CPU
}

// PageTable is a hardware translation table for one address space.
type PageTable interface {
	// Bounds returns the range of virtual addresses this table can
	// translate.
	Bounds() hostarch.AddrRange

	// MapPage installs a translation from the page at addr to the frame at
	// physical with permissions at, replacing any previous translation of
	// that page.
	//
	// Preconditions: addr and physical are page aligned. at.Any() is true.
	MapPage(addr hostarch.Addr, physical uint64, at hostarch.AccessType) error

	// UnmapRange removes every translation in ar.
	UnmapRange(ar hostarch.AddrRange)

	// Lookup returns the translation of addr, including addr's offset into
	// its page.
	Lookup(addr hostarch.Addr) (physical uint64, at hostarch.AccessType, ok bool)

	// Root returns the value loaded into the translation base register when
	// this table is activated.
	Root() uintptr

	// Release releases all resources held by the table. The table must not
	// be active on any CPU and must not be used afterwards.
	Release()
}

// CPU is a processor on which at most one user page table is active.
type CPU interface {
	// ID returns the CPU index.
	ID() int

	// Activate makes pt the active user page table. A nil pt activates the
	// null root, leaving only kernel translations.
	//
	// Activate may be called with interrupts disabled and must not block.
	Activate(pt PageTable)

	// Active returns the active user page table, or nil.
	Active() PageTable
}

// ErrOutOfBounds is returned by PageTable.MapPage for addresses outside the
// table's Bounds.
type ErrOutOfBounds struct {
	Addr   hostarch.Addr
	Bounds hostarch.AddrRange
}

// Error implements error.Error.
func (e ErrOutOfBounds) Error() string {
	return fmt.Sprintf("address %v outside page table bounds %v", e.Addr, e.Bounds)
}
