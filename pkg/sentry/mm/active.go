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
	"vmmap.dev/vmmap/pkg/sentry/platform"
)

// contextID is the mm package's type for context.Context.Value keys.
type contextID int

const (
	// CtxExecutionContext is a Context.Value key for the ExecutionContext
	// the caller runs on.
	CtxExecutionContext contextID = iota
)

// ExecutionContext is a thread of execution that can have a user address
// space active.
//
// Several contexts may share a CPU. The CPU's root belongs to the one context
// current on it; the others keep their slot until they are switched in.
type ExecutionContext interface {
	// EnterCriticalSection excludes asynchronous interruption of every
	// context on the context's CPU until LeaveCriticalSection.
	EnterCriticalSection()

	// LeaveCriticalSection ends the critical section.
	LeaveCriticalSection()

	// CPU returns the CPU the context runs on.
	CPU() platform.CPU

	// UserMap returns the active user map slot.
	UserMap() *Map

	// SetUserMap sets the active user map slot.
	SetUserMap(m *Map)

	// IsCurrent returns true if the context is the one running on its CPU.
	// It is called inside the critical section.
	IsCurrent() bool

	// MakeCurrent makes the context the one running on its CPU. It is
	// called inside the critical section.
	MakeCurrent()
}

// ExecutionContextFromContext returns the ExecutionContext carried by ctx,
// or nil if there is none.
func ExecutionContextFromContext(ctx context.Context) ExecutionContext {
	if v := ctx.Value(CtxExecutionContext); v != nil {
		return v.(ExecutionContext)
	}
	return nil
}

func mustExecutionContext(ctx context.Context) ExecutionContext {
	ec := ExecutionContextFromContext(ctx)
	if ec == nil {
		panic("no execution context")
	}
	return ec
}

// Activate makes m the active user map of the calling execution context,
// makes the context current on its CPU and activates m's page table there. A
// nil m deactivates the user address space; the null root is loaded only if
// the context is current, since otherwise the root belongs to another
// context on the same CPU.
//
// All updates happen inside the CPU's critical section, so no observer sees
// the current context's slot disagree with the CPU root.
func (s *System) Activate(ctx context.Context, m *Map) error {
	if m != nil {
		if m.sys != s || m.kernel {
			return fmt.Errorf("activating a map that is not a user map of this system: %w", linuxerr.EINVAL)
		}
		if m.destroyed {
			return fmt.Errorf("activating a destroyed map: %w", linuxerr.EINVAL)
		}
	}
	ec := mustExecutionContext(ctx)
	ec.EnterCriticalSection()
	defer ec.LeaveCriticalSection()
	ec.SetUserMap(m)
	if m != nil {
		ec.MakeCurrent()
		ec.CPU().Activate(m.pt)
	} else if ec.IsCurrent() {
		ec.CPU().Activate(nil)
	}
	return nil
}

// CurrentUserMap returns the active user map of the calling execution
// context, or nil if none is active or ctx carries no execution context.
func (s *System) CurrentUserMap(ctx context.Context) *Map {
	ec := ExecutionContextFromContext(ctx)
	if ec == nil {
		return nil
	}
	ec.EnterCriticalSection()
	defer ec.LeaveCriticalSection()
	return ec.UserMap()
}

// KernelMap returns the kernel map.
func (s *System) KernelMap() *Map {
	return s.kernel
}

// MapForAddress returns the map governing addr: the calling context's user
// map if its bounds contain addr, else the kernel map if its bounds do.
func (s *System) MapForAddress(ctx context.Context, addr hostarch.Addr) (*Map, bool) {
	if m := s.CurrentUserMap(ctx); m != nil && m.Bounds().Contains(addr) {
		return m, true
	}
	if s.kernel.Bounds().Contains(addr) {
		return s.kernel, true
	}
	return nil, false
}
