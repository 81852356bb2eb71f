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

package soft

import (
	"testing"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/platform"
)

var testOpts = Opts{
	UserRange:   hostarch.AddrRange{Start: 0x1000, End: 0x9000},
	KernelRange: hostarch.AddrRange{Start: 0xffff000000, End: 0xffff100000},
	CPUs:        2,
}

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	p, err := New(testOpts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestNewInvalid(t *testing.T) {
	for name, opts := range map[string]Opts{
		"empty user":   {UserRange: hostarch.AddrRange{Start: 0x1000, End: 0x1000}, KernelRange: testOpts.KernelRange},
		"unaligned":    {UserRange: hostarch.AddrRange{Start: 0x1001, End: 0x9000}, KernelRange: testOpts.KernelRange},
		"overlapping":  {UserRange: hostarch.AddrRange{Start: 0x1000, End: 0x9000}, KernelRange: hostarch.AddrRange{Start: 0x8000, End: 0xa000}},
		"untranslated": {UserRange: testOpts.UserRange, KernelRange: hostarch.AddrRange{Start: 0x1000000000000, End: 0x1000000001000}},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := New(opts); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("New: got %v, want EINVAL", err)
			}
		})
	}
}

func TestPageTableMapLookup(t *testing.T) {
	p := newTestPlatform(t)
	pt, err := p.NewPageTable()
	if err != nil {
		t.Fatalf("NewPageTable failed: %v", err)
	}
	defer pt.Release()

	if got, want := pt.Bounds(), testOpts.UserRange; got != want {
		t.Errorf("Bounds: got %v, want %v", got, want)
	}
	if err := pt.MapPage(0x2000, 0x200000, hostarch.Read); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	pa, at, ok := pt.Lookup(0x2050)
	if !ok || pa != 0x200050 || at != hostarch.Read {
		t.Errorf("Lookup(0x2050): got (%#x, %v, %v), want (0x200050, r--, true)", pa, at, ok)
	}

	// Remapping replaces the translation.
	if err := pt.MapPage(0x2000, 0x300000, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	if pa, at, _ := pt.Lookup(0x2000); pa != 0x300000 || at != hostarch.ReadWrite {
		t.Errorf("Lookup after remap: got (%#x, %v)", pa, at)
	}

	pt.UnmapRange(hostarch.AddrRange{Start: 0x1000, End: 0x9000})
	if _, _, ok := pt.Lookup(0x2000); ok {
		t.Errorf("Lookup succeeded after UnmapRange")
	}
}

func TestPageTableMapErrors(t *testing.T) {
	p := newTestPlatform(t)
	pt, _ := p.NewPageTable()
	defer pt.Release()

	if err := pt.MapPage(0x2001, 0x200000, hostarch.Read); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("unaligned MapPage: got %v, want EINVAL", err)
	}
	if err := pt.MapPage(0x2000, 0x200000, hostarch.NoAccess); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MapPage without access: got %v, want EINVAL", err)
	}
	err := pt.MapPage(0x9000, 0x200000, hostarch.Read)
	if _, ok := err.(platform.ErrOutOfBounds); !ok {
		t.Errorf("out of bounds MapPage: got %v, want ErrOutOfBounds", err)
	}
}

func TestReleaseFreesNodes(t *testing.T) {
	p := newTestPlatform(t)
	before := p.PageTableNodes()
	pt, _ := p.NewPageTable()
	if err := pt.MapPage(0x3000, 0x200000, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	pt.Release()
	if got := p.PageTableNodes(); got != before {
		t.Errorf("nodes after Release: got %d, want %d", got, before)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("second Release did not panic")
		}
	}()
	pt.Release()
}

func TestCPUActivate(t *testing.T) {
	p := newTestPlatform(t)
	if got := p.NumCPUs(); got != 2 {
		t.Fatalf("NumCPUs: got %d, want 2", got)
	}
	pt, _ := p.NewPageTable()
	defer pt.Release()

	c := p.CPU(1).(*CPU)
	if c.ID() != 1 {
		t.Errorf("ID: got %d, want 1", c.ID())
	}
	if c.Active() != nil {
		t.Errorf("fresh CPU has an active page table")
	}
	c.Activate(pt)
	c.Activate(pt)
	if c.Active() != pt {
		t.Errorf("Active: got %v, want %v", c.Active(), pt)
	}
	c.Activate(nil)
	if c.Active() != nil {
		t.Errorf("Active after null activation: got %v", c.Active())
	}
	if got := c.Switches(); got != 2 {
		t.Errorf("Switches: got %d, want 2", got)
	}
	if p.CPU(0).Active() != nil {
		t.Errorf("activation leaked to CPU 0")
	}
}
