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
	"fmt"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
)

// FaultReason classifies a failed page fault.
type FaultReason int

// Fault reasons, in the order the handler checks for them.
const (
	// FaultUnmapped means no entry covers the address.
	FaultUnmapped FaultReason = iota

	// FaultNoAccess means the covering entry has no permissions at all.
	FaultNoAccess

	// FaultProtection means the covering entry does not permit the access.
	FaultProtection

	// FaultPager means the backing object's pager failed to produce a frame.
	FaultPager

	// FaultInstall means the page table rejected the translation.
	FaultInstall
)

// String implements fmt.Stringer.String.
func (r FaultReason) String() string {
	switch r {
	case FaultUnmapped:
		return "unmapped"
	case FaultNoAccess:
		return "no_access"
	case FaultProtection:
		return "protection"
	case FaultPager:
		return "pager"
	case FaultInstall:
		return "install"
	default:
		return fmt.Sprintf("FaultReason(%d)", int(r))
	}
}

// FaultError is returned for page faults that cannot be resolved.
type FaultError struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Access is the faulting access.
	Access hostarch.AccessType

	// Reason classifies the failure.
	Reason FaultReason

	// Err is the underlying error: EFAULT for unmapped addresses, EACCES for
	// permission failures, and the pager or page table error otherwise.
	Err error
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	switch e.Reason {
	case FaultUnmapped:
		return fmt.Sprintf("tried to access unmapped memory region: 0x%08x", uint64(e.Addr))
	case FaultNoAccess:
		return fmt.Sprintf("cannot access address: 0x%08x", uint64(e.Addr))
	case FaultProtection:
		if e.Access.Write {
			return fmt.Sprintf("cannot write to address: 0x%08x", uint64(e.Addr))
		}
		return fmt.Sprintf("cannot read from address: 0x%08x", uint64(e.Addr))
	case FaultPager:
		return fmt.Sprintf("pager failed for 0x%08x (%v): %v", uint64(e.Addr), e.Access, e.Err)
	default:
		return fmt.Sprintf("cannot map 0x%08x (%v): %v", uint64(e.Addr), e.Access, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *FaultError) Unwrap() error {
	return e.Err
}

// HaltError is the panic value of the default halt hook.
type HaltError struct {
	Fault *FaultError
}

// Error implements error.Error.
func (e *HaltError) Error() string {
	return fmt.Sprintf("kernel halted: %v", e.Fault)
}

// Unwrap returns the fault that caused the halt.
func (e *HaltError) Unwrap() error {
	return e.Fault
}

// defaultHalt is the halt hook used unless SystemOpts.Halt is set.
func defaultHalt(f *FaultError) {
	panic(&HaltError{Fault: f})
}

func (s *System) fault(addr hostarch.Addr, at hostarch.AccessType, reason FaultReason, err error) *FaultError {
	pageFaults.Increment(reason.String())
	return &FaultError{Addr: addr, Access: at, Reason: reason, Err: err}
}

// HandlePageFault resolves a fault at addr for access at in m. On success a
// translation for addr's page is installed in m's page table with the
// covering entry's permissions, so the access can be retried.
//
// The steps run in a fixed order: entry lookup, permission check, resident
// page lookup, pager fault, translation install. The first failing step
// ends the fault with a *FaultError.
//
// Execute accesses are checked as reads.
func (s *System) HandlePageFault(ctx context.Context, m *Map, addr hostarch.Addr, at hostarch.AccessType) error {
	e, ok := m.FindEntry(addr)
	if !ok {
		return s.fault(addr, at, FaultUnmapped, linuxerr.EFAULT)
	}

	switch {
	case !e.perms.Any():
		return s.fault(addr, at, FaultNoAccess, linuxerr.EACCES)
	case at.Write && !e.perms.Write:
		return s.fault(addr, at, FaultProtection, linuxerr.EACCES)
	case (at.Read || at.Execute) && !e.perms.Read:
		return s.fault(addr, at, FaultProtection, linuxerr.EACCES)
	}

	page := addr.RoundDown()
	offset := e.Offset(page)
	obj := e.object
	outcome := "resident"
	frame, ok := obj.FindResidentPage(offset)
	if !ok {
		f, err := obj.Pager().Fault(ctx, obj, page, offset, at)
		if err != nil {
			return s.fault(addr, at, FaultPager, err)
		}
		frame = f
		outcome = "paged"
	}

	if err := m.pt.MapPage(page, frame.Addr, e.perms); err != nil {
		return s.fault(addr, at, FaultInstall, err)
	}
	pageFaults.Increment(outcome)
	s.faultLog.Debugf("page fault %v (%v): %s offset %#x -> %v", addr, at, outcome, offset, frame)
	return nil
}

// Trap is the fault entry point. It resolves the map governing addr for the
// calling context and handles the fault there.
//
// Under FaultPolicyHalt a failed fault is logged and the halt hook is
// called; the default hook panics with a *HaltError. If the hook returns,
// Trap returns the fault. Under FaultPolicyReport the fault is returned to
// the caller.
func (s *System) Trap(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) error {
	var ferr *FaultError
	if m, ok := s.MapForAddress(ctx, addr); !ok {
		ferr = s.fault(addr, at, FaultUnmapped, linuxerr.EFAULT)
	} else if err := s.HandlePageFault(ctx, m, addr, at); err != nil {
		ferr = err.(*FaultError)
	}
	if ferr == nil {
		return nil
	}
	switch s.policy {
	case FaultPolicyReport:
		log.Debugf("page fault not resolved: %v", ferr)
	default:
		log.Warningf("page fault: %v", ferr)
		s.halt(ferr)
	}
	return ferr
}
