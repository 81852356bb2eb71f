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
	"context"
	goerrors "errors"
	"strings"
	"testing"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/memmap"
	"vmmap.dev/vmmap/pkg/sentry/platform"
)

// faultReason returns the reason of err, which must be a *FaultError.
func faultReason(t *testing.T, err error) FaultReason {
	t.Helper()
	var fe *FaultError
	if !goerrors.As(err, &fe) {
		t.Fatalf("got error %v (%T), want *FaultError", err, err)
	}
	return fe.Reason
}

func TestFaultResolvesAndInstalls(t *testing.T) {
	s := testSystem(t)
	ctx := context.Background()
	m := testAddressSpace(t, s)
	e := mustAddEntry(t, m, 0x2000, 0x4000, hostarch.ReadWrite)
	paged := pageFaults.Value("paged")
	resident := pageFaults.Value("resident")

	if err := s.HandlePageFault(ctx, m, 0x2050, hostarch.Write); err != nil {
		t.Fatalf("HandlePageFault(0x2050, write) failed: %v", err)
	}
	frame, ok := e.Object().FindResidentPage(0)
	if !ok {
		t.Fatalf("page at offset 0 not resident after fault")
	}
	pa, at, ok := m.PageTable().Lookup(0x2050)
	if !ok || pa != frame.Addr+0x50 || at != hostarch.ReadWrite {
		t.Errorf("Lookup(0x2050): got (%#x, %v, %t), want (%#x, rw-, true)", pa, at, ok, frame.Addr+0x50)
	}

	// A second fault in the same page resolves through the resident page.
	if err := s.HandlePageFault(ctx, m, 0x2800, hostarch.Read); err != nil {
		t.Fatalf("HandlePageFault(0x2800, read) failed: %v", err)
	}
	if pa, _, _ := m.PageTable().Lookup(0x2800); pa != frame.Addr+0x800 {
		t.Errorf("Lookup(0x2800): got %#x, want %#x", pa, frame.Addr+0x800)
	}

	// The next page of the entry gets its own frame.
	if err := s.HandlePageFault(ctx, m, 0x3ffc, hostarch.Read); err != nil {
		t.Fatalf("HandlePageFault(0x3ffc, read) failed: %v", err)
	}
	frame2, ok := e.Object().FindResidentPage(hostarch.PageSize)
	if !ok || frame2 == frame {
		t.Errorf("page at offset 0x1000: got (%v, %t), want a distinct resident frame", frame2, ok)
	}
	if got := pageFaults.Value("paged") - paged; got != 2 {
		t.Errorf("paged faults: got %d, want 2", got)
	}
	if got := pageFaults.Value("resident") - resident; got != 1 {
		t.Errorf("resident faults: got %d, want 1", got)
	}
}

func TestFaultUnmapped(t *testing.T) {
	s := testSystem(t)
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x4000, hostarch.ReadWrite)

	err := s.HandlePageFault(context.Background(), m, 0x5000, hostarch.Read)
	if got := faultReason(t, err); got != FaultUnmapped {
		t.Errorf("reason: got %v, want %v", got, FaultUnmapped)
	}
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("error %v does not wrap EFAULT", err)
	}
	if want := "tried to access unmapped memory region: 0x00005000"; err.Error() != want {
		t.Errorf("message: got %q, want %q", err.Error(), want)
	}
	if _, _, ok := m.PageTable().Lookup(0x5000); ok {
		t.Errorf("translation installed for unmapped address")
	}
}

func TestFaultPermissions(t *testing.T) {
	s := testSystem(t)
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x3000, hostarch.Read)
	mustAddEntry(t, m, 0x3000, 0x4000, hostarch.NoAccess)
	mustAddEntry(t, m, 0x4000, 0x5000, hostarch.Write)
	mustAddEntry(t, m, 0x5000, 0x6000, hostarch.ReadExec)

	for _, tc := range []struct {
		addr   hostarch.Addr
		at     hostarch.AccessType
		ok     bool
		reason FaultReason
		msg    string
	}{
		{addr: 0x2100, at: hostarch.Write, reason: FaultProtection, msg: "cannot write to address: 0x00002100"},
		{addr: 0x2100, at: hostarch.Read, ok: true},
		{addr: 0x2100, at: hostarch.Execute, ok: true},
		{addr: 0x3000, at: hostarch.Read, reason: FaultNoAccess, msg: "cannot access address: 0x00003000"},
		{addr: 0x3000, at: hostarch.Write, reason: FaultNoAccess},
		{addr: 0x4000, at: hostarch.Write, ok: true},
		{addr: 0x4010, at: hostarch.Read, reason: FaultProtection, msg: "cannot read from address: 0x00004010"},
		{addr: 0x4010, at: hostarch.Execute, reason: FaultProtection},
		{addr: 0x5000, at: hostarch.Execute, ok: true},
		{addr: 0x5000, at: hostarch.Write, reason: FaultProtection},
	} {
		err := s.HandlePageFault(context.Background(), m, tc.addr, tc.at)
		if tc.ok {
			if err != nil {
				t.Errorf("HandlePageFault(%v, %v): %v", tc.addr, tc.at, err)
			}
			continue
		}
		if got := faultReason(t, err); got != tc.reason {
			t.Errorf("HandlePageFault(%v, %v): reason %v, want %v", tc.addr, tc.at, got, tc.reason)
		}
		if !linuxerr.Equals(linuxerr.EACCES, err) {
			t.Errorf("HandlePageFault(%v, %v): %v does not wrap EACCES", tc.addr, tc.at, err)
		}
		if tc.msg != "" && err.Error() != tc.msg {
			t.Errorf("HandlePageFault(%v, %v): message %q, want %q", tc.addr, tc.at, err.Error(), tc.msg)
		}
	}

	// A protection fault installs nothing.
	if _, _, ok := m.PageTable().Lookup(0x3000); ok {
		t.Errorf("translation installed for PROT_NONE page")
	}
}

func TestFaultPagerError(t *testing.T) {
	s := testSystem(t, withSystemOpts(func(opts *SystemOpts) {
		opts.DefaultPager = &failingPager{AnonPager: memmap.NewAnonPager(opts.Frames), err: linuxerr.ENOMEM}
	}))
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x3000, hostarch.ReadWrite)

	err := s.HandlePageFault(context.Background(), m, 0x2000, hostarch.Read)
	if got := faultReason(t, err); got != FaultPager {
		t.Errorf("reason: got %v, want %v", got, FaultPager)
	}
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("error %v does not wrap the pager error", err)
	}
	if _, _, ok := m.PageTable().Lookup(0x2000); ok {
		t.Errorf("translation installed after pager failure")
	}
}

func TestFaultInstallError(t *testing.T) {
	s := testSystem(t, withPlatform(func(p platform.Platform) platform.Platform {
		return failingPlatform{p}
	}))
	m := testAddressSpace(t, s)
	e := mustAddEntry(t, m, 0x2000, 0x3000, hostarch.ReadWrite)

	err := s.HandlePageFault(context.Background(), m, 0x2000, hostarch.Write)
	if got := faultReason(t, err); got != FaultInstall {
		t.Errorf("reason: got %v, want %v", got, FaultInstall)
	}
	// The frame was acquired before installation failed and stays with the
	// object.
	if _, ok := e.Object().FindResidentPage(0); !ok {
		t.Errorf("frame not resident after install failure")
	}
}

func TestTrapHalts(t *testing.T) {
	s := testSystem(t)
	ctx, _ := withExecutionContext(s, 0)

	defer func() {
		r := recover()
		he, ok := r.(*HaltError)
		if !ok {
			t.Fatalf("Trap recovered %v, want *HaltError", r)
		}
		if he.Fault.Reason != FaultUnmapped || he.Fault.Addr != 0x5000 {
			t.Errorf("halt fault: got %+v", he.Fault)
		}
		if !strings.Contains(he.Error(), "kernel halted") {
			t.Errorf("halt message: %q", he.Error())
		}
	}()
	s.Trap(ctx, 0x5000, hostarch.Read)
	t.Errorf("Trap returned under the halt policy")
}

func TestTrapHaltHook(t *testing.T) {
	var halted []*FaultError
	s := testSystem(t, withSystemOpts(func(opts *SystemOpts) {
		opts.Halt = func(f *FaultError) { halted = append(halted, f) }
	}))
	ctx, _ := withExecutionContext(s, 0)
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x3000, hostarch.Read)
	if err := s.Activate(ctx, m); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	defer s.Activate(ctx, nil)

	if err := s.Trap(ctx, 0x2100, hostarch.Read); err != nil {
		t.Errorf("Trap(read) failed: %v", err)
	}
	if len(halted) != 0 {
		t.Errorf("halt hook called for a resolved fault")
	}
	err := s.Trap(ctx, 0x2100, hostarch.Write)
	if len(halted) != 1 || halted[0].Reason != FaultProtection {
		t.Fatalf("halt hook calls: got %v, want one protection fault", halted)
	}
	if err != error(halted[0]) {
		t.Errorf("Trap returned %v, want the halted fault", err)
	}
}

func TestTrapReportPolicy(t *testing.T) {
	s := testSystem(t, withSystemOpts(func(opts *SystemOpts) {
		opts.FaultPolicy = FaultPolicyReport
		opts.Halt = func(f *FaultError) { t.Errorf("halt hook called under report policy: %v", f) }
	}))
	ctx, _ := withExecutionContext(s, 1)
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x3000, hostarch.ReadWrite)
	if _, err := s.KernelMap().AddEntry(hostarch.AddrRange{Start: 0x10000000, End: 0x10002000}, hostarch.ReadWrite); err != nil {
		t.Fatalf("kernel AddEntry failed: %v", err)
	}

	// Without an active user map, user addresses are not resolvable.
	if got := faultReason(t, s.Trap(ctx, 0x2000, hostarch.Read)); got != FaultUnmapped {
		t.Errorf("Trap with no user map: got %v, want %v", got, FaultUnmapped)
	}

	if err := s.Activate(ctx, m); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	defer s.Activate(ctx, nil)
	if err := s.Trap(ctx, 0x2000, hostarch.Write); err != nil {
		t.Errorf("Trap in user map: %v", err)
	}
	if err := s.Trap(ctx, 0x10001000, hostarch.Write); err != nil {
		t.Errorf("Trap in kernel map: %v", err)
	}
	if _, _, ok := s.KernelMap().PageTable().Lookup(0x10001000); !ok {
		t.Errorf("kernel translation not installed")
	}
	if got := faultReason(t, s.Trap(ctx, 0x20000000, hostarch.Read)); got != FaultUnmapped {
		t.Errorf("Trap outside both maps: got %v, want %v", got, FaultUnmapped)
	}
}

func TestParseFaultPolicy(t *testing.T) {
	for _, p := range []FaultPolicy{FaultPolicyHalt, FaultPolicyReport} {
		got, err := ParseFaultPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseFaultPolicy(%q): got (%v, %v), want %v", p.String(), got, err, p)
		}
	}
	if _, err := ParseFaultPolicy("ignore"); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ParseFaultPolicy(ignore): got %v, want EINVAL", err)
	}
}
