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
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/memmap"
)

func TestCopyRoundTrip(t *testing.T) {
	s := testSystem(t)
	ctx := context.Background()
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x5000, hostarch.ReadWrite)

	src := bytes.Repeat([]byte("vm_map"), 1000)
	const addr = 0x2ff0
	n, err := s.CopyOut(ctx, m, addr, src)
	if err != nil || n != len(src) {
		t.Fatalf("CopyOut: got (%d, %v), want (%d, nil)", n, err, len(src))
	}
	dst := make([]byte, len(src))
	n, err = s.CopyIn(ctx, m, addr, dst)
	if err != nil || n != len(dst) {
		t.Fatalf("CopyIn: got (%d, %v), want (%d, nil)", n, err, len(dst))
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("CopyIn mismatch (-want +got):\n%s", diff)
	}

	// Fresh anonymous memory reads as zero.
	zero := make([]byte, 16)
	if _, err := s.CopyIn(ctx, m, 0x4ff0, zero); err != nil {
		t.Fatalf("CopyIn of untouched memory failed: %v", err)
	}
	if !bytes.Equal(zero, make([]byte, 16)) {
		t.Errorf("untouched memory: got %x, want zeroes", zero)
	}
}

func TestCopyStopsAtHole(t *testing.T) {
	s := testSystem(t)
	ctx := context.Background()
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x3000, hostarch.ReadWrite)

	n, err := s.CopyOut(ctx, m, 0x2ffc, []byte("12345678"))
	if n != 4 {
		t.Errorf("CopyOut across a hole copied %d bytes, want 4", n)
	}
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut across a hole: got %v, want EFAULT", err)
	}
	if _, err := s.CopyOut(ctx, m, ^hostarch.Addr(0)-2, []byte("1234")); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut wrapping the address space: got %v, want EFAULT", err)
	}
}

func TestCopyAfterRemoveEntry(t *testing.T) {
	s := testSystem(t)
	ctx := context.Background()
	m := testAddressSpace(t, s)
	e := mustAddEntry(t, m, 0x2000, 0x3000, hostarch.ReadWrite)

	if _, err := s.CopyOut(ctx, m, 0x2000, []byte("data")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	m.RemoveEntry(e)
	n, err := s.CopyIn(ctx, m, 0x2000, make([]byte, 4))
	if n != 0 || !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn after RemoveEntry: got (%d, %v), want (0, EFAULT)", n, err)
	}
}

func TestCopyAfterProtect(t *testing.T) {
	s := testSystem(t)
	ctx := context.Background()
	m := testAddressSpace(t, s)
	mustAddEntry(t, m, 0x2000, 0x4000, hostarch.ReadWrite)

	if _, err := s.CopyOut(ctx, m, 0x2000, []byte("before")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if err := m.Protect(hostarch.AddrRange{Start: 0x2000, End: 0x3000}, hostarch.Read); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if _, err := s.CopyOut(ctx, m, 0x2000, []byte("after")); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("CopyOut to a read-only page: got %v, want EACCES", err)
	}
	got := make([]byte, 6)
	if _, err := s.CopyIn(ctx, m, 0x2000, got); err != nil {
		t.Fatalf("CopyIn after Protect failed: %v", err)
	}
	if string(got) != "before" {
		t.Errorf("CopyIn after Protect: got %q, want %q", got, "before")
	}
	if _, err := s.CopyOut(ctx, m, 0x3000, []byte("rw")); err != nil {
		t.Errorf("CopyOut past the protected range failed: %v", err)
	}
}

func TestCopyPhysWindow(t *testing.T) {
	s := testSystem(t)
	ctx := context.Background()
	m := testAddressSpace(t, s)
	p, err := memmap.NewPhysPager(memmap.PhysRange{Start: 0xfe000000, End: 0xfe002000})
	if err != nil {
		t.Fatalf("NewPhysPager failed: %v", err)
	}
	obj, err := p.NewObject(0x2000)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	if _, err := m.AddEntryWithObject(hostarch.AddrRange{Start: 0x6000, End: 0x8000}, hostarch.ReadWrite, obj); err != nil {
		t.Fatalf("AddEntryWithObject failed: %v", err)
	}

	// The fault resolves, but there is no memory behind the window.
	if err := s.HandlePageFault(ctx, m, 0x7010, hostarch.Read); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}
	if pa, _, ok := m.PageTable().Lookup(0x7010); !ok || pa != 0xfe001010 {
		t.Errorf("Lookup(0x7010): got (%#x, %t), want (0xfe001010, true)", pa, ok)
	}
	if _, err := s.CopyIn(ctx, m, 0x7010, make([]byte, 4)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn from a physical window: got %v, want EFAULT", err)
	}
}
