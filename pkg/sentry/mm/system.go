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

// Package mm implements address space maps: the per-process (and kernel)
// sets of mapped regions, page fault resolution against them, and tracking
// of which user map is active on each execution context.
//
// Lock order:
//
//	ExecutionContext critical section (one per CPU)
//		platform CPU state
//
// Maps themselves are not locked; see Map.
package mm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/metric"
	"vmmap.dev/vmmap/pkg/sentry/memmap"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
	"vmmap.dev/vmmap/pkg/sentry/platform"
)

var (
	pageFaults = metric.MustCreateNewUint64Metric("/vm/page_faults", "Number of page faults handled, by outcome.",
		metric.NewField("outcome", "resident", "paged", "unmapped", "no_access", "protection", "pager", "install"))
	mapsCreated    = metric.MustCreateNewUint64Metric("/vm/maps_created", "Number of user address spaces created.")
	mapsDestroyed  = metric.MustCreateNewUint64Metric("/vm/maps_destroyed", "Number of user address spaces destroyed.")
	entriesAdded   = metric.MustCreateNewUint64Metric("/vm/entries_added", "Number of map entries added.")
	entriesRemoved = metric.MustCreateNewUint64Metric("/vm/entries_removed", "Number of map entries removed.")
)

const (
	// DefaultPoolFrames is the default number of frames seeding the
	// bookkeeping arena.
	DefaultPoolFrames = 2

	// DefaultFaultLogInterval is the default minimum interval between
	// debug logs of resolved faults.
	DefaultFaultLogInterval = 100 * time.Millisecond
)

// FaultPolicy determines what Trap does with an unresolved fault.
type FaultPolicy int

const (
	// FaultPolicyHalt logs the fault and halts.
	FaultPolicyHalt FaultPolicy = iota

	// FaultPolicyReport returns the fault to the caller, which is expected
	// to notify the faulting process.
	FaultPolicyReport
)

// String implements fmt.Stringer.String.
func (p FaultPolicy) String() string {
	switch p {
	case FaultPolicyHalt:
		return "halt"
	case FaultPolicyReport:
		return "report"
	default:
		return fmt.Sprintf("FaultPolicy(%d)", int(p))
	}
}

// ParseFaultPolicy parses the String form of a FaultPolicy.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch s {
	case "halt", "":
		return FaultPolicyHalt, nil
	case "report":
		return FaultPolicyReport, nil
	default:
		return 0, fmt.Errorf("invalid fault policy %q: %w", s, linuxerr.EINVAL)
	}
}

// Set implements flag.Value.Set.
func (p *FaultPolicy) Set(v string) error {
	np, err := ParseFaultPolicy(v)
	if err != nil {
		return err
	}
	*p = np
	return nil
}

// Get implements flag.Getter.Get.
func (p *FaultPolicy) Get() any {
	return *p
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (p FaultPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (p *FaultPolicy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}

// SystemOpts holds options to NewSystem.
type SystemOpts struct {
	// Platform provides page tables and CPUs. Required.
	Platform platform.Platform

	// Frames is the physical frame pool. Required.
	Frames *pgalloc.FramePool

	// DefaultPager backs entries added with Map.AddEntry. If nil, an
	// anonymous pager over Frames is used.
	DefaultPager memmap.Pager

	// PoolFrames is the number of frames taken from Frames to hold map
	// bookkeeping. If zero, DefaultPoolFrames is used.
	PoolFrames int

	// FaultPolicy is the policy applied by Trap.
	FaultPolicy FaultPolicy

	// Halt is called by Trap under FaultPolicyHalt. If nil, Trap panics with
	// a *HaltError.
	Halt func(*FaultError)

	// FaultLogInterval limits debug logging of resolved faults. If zero,
	// DefaultFaultLogInterval is used.
	FaultLogInterval time.Duration
}

// System is the memory map subsystem: the kernel map, the bookkeeping arena
// and the collaborators every map shares.
//
// A System is created once at boot and lives until Destroy.
type System struct {
	platform     platform.Platform
	frames       *pgalloc.FramePool
	defaultPager memmap.Pager
	arena        *arena
	policy       FaultPolicy
	halt         func(*FaultError)
	faultLog     log.Logger

	// kernel is the kernel map. It is immutable.
	kernel *Map

	// userMaps is the number of live user maps.
	userMaps atomic.Int64
}

// NewSystem initializes the subsystem: it seeds the bookkeeping arena from
// the frame pool and sets up the kernel map over the platform's kernel page
// table.
func NewSystem(opts SystemOpts) (*System, error) {
	if opts.Platform == nil || opts.Frames == nil {
		return nil, fmt.Errorf("platform and frame pool are required: %w", linuxerr.EINVAL)
	}
	poolFrames := opts.PoolFrames
	if poolFrames == 0 {
		poolFrames = DefaultPoolFrames
	}
	a, err := newArena(opts.Frames, poolFrames)
	if err != nil {
		return nil, fmt.Errorf("initializing memory maps: %w", err)
	}
	s := &System{
		platform:     opts.Platform,
		frames:       opts.Frames,
		defaultPager: opts.DefaultPager,
		arena:        a,
		policy:       opts.FaultPolicy,
		halt:         opts.Halt,
	}
	if s.defaultPager == nil {
		s.defaultPager = memmap.NewAnonPager(opts.Frames)
	}
	if s.halt == nil {
		s.halt = defaultHalt
	}
	every := opts.FaultLogInterval
	if every == 0 {
		every = DefaultFaultLogInterval
	}
	s.faultLog = log.BasicRateLimitedLogger(every)
	if err := a.charge(mapSize); err != nil {
		a.release()
		return nil, fmt.Errorf("allocating kernel map: %w", err)
	}
	s.kernel = newMap(s, opts.Platform.KernelPageTable(), true)
	log.Infof("vm_map: kernel map %v, %d bookkeeping bytes, %s faults", s.kernel.Bounds(), a.size(), s.policy)
	return s, nil
}

// Platform returns the platform.
func (s *System) Platform() platform.Platform {
	return s.platform
}

// Frames returns the frame pool.
func (s *System) Frames() *pgalloc.FramePool {
	return s.frames
}

// DefaultPager returns the pager used by Map.AddEntry.
func (s *System) DefaultPager() memmap.Pager {
	return s.defaultPager
}

// FaultPolicy returns the policy applied by Trap.
func (s *System) FaultPolicy() FaultPolicy {
	return s.policy
}

// NewAddressSpace returns a new, empty user map with a fresh page table.
func (s *System) NewAddressSpace() (*Map, error) {
	if err := s.arena.charge(mapSize); err != nil {
		return nil, fmt.Errorf("allocating address space: %w", err)
	}
	pt, err := s.platform.NewPageTable()
	if err != nil {
		s.arena.uncharge(mapSize)
		return nil, err
	}
	m := newMap(s, pt, false)
	s.userMaps.Add(1)
	mapsCreated.Increment()
	log.Debugf("vm_map: new address space %v", m.Bounds())
	return m, nil
}

// DestroyAddressSpace removes every entry of m, first to last, releasing
// each object exactly once, then releases m's page table. If m is the
// calling context's active map it is deactivated first.
//
// The kernel map cannot be destroyed (EBUSY), and neither can a map whose
// page table another context has loaded on a CPU.
func (s *System) DestroyAddressSpace(ctx context.Context, m *Map) error {
	if m == nil || m.sys != s {
		return fmt.Errorf("destroying a map of another system: %w", linuxerr.EINVAL)
	}
	if m.kernel {
		return fmt.Errorf("destroying the kernel map: %w", linuxerr.EBUSY)
	}
	if m.destroyed {
		return fmt.Errorf("address space destroyed twice: %w", linuxerr.EINVAL)
	}
	if s.CurrentUserMap(ctx) == m {
		if err := s.Activate(ctx, nil); err != nil {
			return err
		}
	}
	for i := 0; i < s.platform.NumCPUs(); i++ {
		if cpu := s.platform.CPU(i); cpu.Active() == m.pt {
			return fmt.Errorf("address space active on CPU %d: %w", cpu.ID(), linuxerr.EBUSY)
		}
	}
	n := m.EntryCount()
	m.removeAll()
	m.pt.Release()
	m.destroyed = true
	s.arena.uncharge(mapSize)
	s.userMaps.Add(-1)
	mapsDestroyed.Increment()
	log.Debugf("vm_map: destroyed address space %v with %d entries", m.Bounds(), n)
	return nil
}

// Stats are subsystem statistics.
type Stats struct {
	// UserMaps is the number of live user maps.
	UserMaps int

	// KernelEntries is the number of entries in the kernel map.
	KernelEntries int

	// ArenaUsed and ArenaSize are the bytes of bookkeeping in use and
	// available.
	ArenaUsed uint64
	ArenaSize uint64
}

// Stats returns current statistics.
func (s *System) Stats() Stats {
	return Stats{
		UserMaps:      int(s.userMaps.Load()),
		KernelEntries: s.kernel.EntryCount(),
		ArenaUsed:     s.arena.inUse(),
		ArenaSize:     s.arena.size(),
	}
}

// DumpMaps logs the kernel map and the calling context's user map.
func (s *System) DumpMaps(ctx context.Context) {
	s.kernel.LogDump()
	if m := s.CurrentUserMap(ctx); m != nil {
		m.LogDump()
	}
}

// Destroy removes every kernel map entry and returns the bookkeeping arena
// to the frame pool. User maps must have been destroyed.
func (s *System) Destroy() {
	if n := s.userMaps.Load(); n != 0 {
		panic(fmt.Sprintf("destroying memory map subsystem with %d live address spaces", n))
	}
	s.kernel.removeAll()
	s.arena.uncharge(mapSize)
	s.arena.release()
}
