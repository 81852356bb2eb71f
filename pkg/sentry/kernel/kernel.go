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

// Package kernel provides processes and threads: the owners of address
// spaces and the execution contexts they are activated on.
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/sentry/mm"
	"vmmap.dev/vmmap/pkg/sentry/platform"
	"vmmap.dev/vmmap/pkg/sync"
)

// ThreadID is a thread or process identifier.
type ThreadID int32

// Kernel owns the memory map subsystem and allocates identifiers.
type Kernel struct {
	sys *mm.System

	// cpus is indexed by CPU ID. It is immutable.
	cpus []*cpuState

	// nextID is the next identifier to hand out.
	nextID atomic.Int32
}

// cpuState is the kernel's side of a CPU: the critical section shared by the
// threads bound to it and the thread running there.
type cpuState struct {
	// cs stands in for disabling interrupts on the CPU.
	cs sync.CriticalSection

	// current is the thread whose address space the CPU's root belongs to.
	//
	// +checklocks:cs
	current *Thread
}

// New returns a kernel over sys.
func New(sys *mm.System) *Kernel {
	k := &Kernel{
		sys:  sys,
		cpus: make([]*cpuState, sys.Platform().NumCPUs()),
	}
	for i := range k.cpus {
		k.cpus[i] = &cpuState{}
	}
	k.nextID.Store(1)
	return k
}

// Current returns the thread running on the CPU with the given ID, or nil.
func (k *Kernel) Current(cpu int) *Thread {
	cs := k.cpus[cpu]
	cs.cs.Enter()
	defer cs.cs.Leave()
	return cs.current
}

// MemorySystem returns the memory map subsystem.
func (k *Kernel) MemorySystem() *mm.System {
	return k.sys
}

func (k *Kernel) allocateID() ThreadID {
	return ThreadID(k.nextID.Add(1) - 1)
}

// Process is a user process: an address space and the threads running in
// it.
type Process struct {
	k  *Kernel
	id ThreadID

	// mm is the process address space. It is immutable.
	mm *mm.Map

	mu sync.Mutex

	// +checklocks:mu
	threads []*Thread

	// +checklocks:mu
	exited bool
}

// NewProcess creates a process with an empty address space.
func (k *Kernel) NewProcess() (*Process, error) {
	m, err := k.sys.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	p := &Process{
		k:  k,
		id: k.allocateID(),
		mm: m,
	}
	log.Debugf("kernel: process %d created", p.id)
	return p, nil
}

// ID returns the process identifier.
func (p *Process) ID() ThreadID {
	return p.id
}

// MemoryMap returns the process address space.
func (p *Process) MemoryMap() *mm.Map {
	return p.mm
}

// NewThread returns a new thread of p that runs on cpu.
func (p *Process) NewThread(cpu platform.CPU) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, fmt.Errorf("process %d has exited: %w", p.id, linuxerr.EINVAL)
	}
	if id := cpu.ID(); id < 0 || id >= len(p.k.cpus) {
		return nil, fmt.Errorf("no CPU %d: %w", id, linuxerr.EINVAL)
	}
	t := &Thread{
		id:    p.k.allocateID(),
		proc:  p,
		cpu:   cpu,
		state: p.k.cpus[cpu.ID()],
	}
	p.threads = append(p.threads, t)
	return t, nil
}

// Exit deactivates the address space on every thread of p and destroys it.
// Threads of other processes sharing a CPU with p's threads keep their root.
func (p *Process) Exit(ctx context.Context) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return fmt.Errorf("process %d exited twice: %w", p.id, linuxerr.EINVAL)
	}
	p.exited = true
	threads := p.threads
	p.threads = nil
	p.mu.Unlock()

	for _, t := range threads {
		tctx := t.Context(ctx)
		if p.k.sys.CurrentUserMap(tctx) == p.mm {
			if err := p.k.sys.Activate(tctx, nil); err != nil {
				return err
			}
		}
		t.release()
	}
	if err := p.k.sys.DestroyAddressSpace(ctx, p.mm); err != nil {
		return err
	}
	log.Debugf("kernel: process %d exited", p.id)
	return nil
}

// Thread is an execution context. It implements mm.ExecutionContext.
type Thread struct {
	id    ThreadID
	proc  *Process
	cpu   platform.CPU
	state *cpuState

	// userMap is the active user map.
	//
	// +checklocks:state.cs
	userMap *mm.Map
}

var _ mm.ExecutionContext = (*Thread)(nil)

// ID returns the thread identifier.
func (t *Thread) ID() ThreadID {
	return t.id
}

// Process returns the thread's process.
func (t *Thread) Process() *Process {
	return t.proc
}

// EnterCriticalSection implements mm.ExecutionContext.EnterCriticalSection.
func (t *Thread) EnterCriticalSection() {
	t.state.cs.Enter()
}

// LeaveCriticalSection implements mm.ExecutionContext.LeaveCriticalSection.
func (t *Thread) LeaveCriticalSection() {
	t.state.cs.Leave()
}

// CPU implements mm.ExecutionContext.CPU.
func (t *Thread) CPU() platform.CPU {
	return t.cpu
}

// UserMap implements mm.ExecutionContext.UserMap.
func (t *Thread) UserMap() *mm.Map {
	return t.userMap
}

// SetUserMap implements mm.ExecutionContext.SetUserMap.
func (t *Thread) SetUserMap(m *mm.Map) {
	t.userMap = m
}

// IsCurrent implements mm.ExecutionContext.IsCurrent.
func (t *Thread) IsCurrent() bool {
	return t.state.current == t
}

// MakeCurrent implements mm.ExecutionContext.MakeCurrent.
func (t *Thread) MakeCurrent() {
	t.state.current = t
}

// release stops t from being current on its CPU.
func (t *Thread) release() {
	t.state.cs.Enter()
	defer t.state.cs.Leave()
	if t.state.current == t {
		t.state.current = nil
	}
}

// SwitchTo activates the thread's process address space and makes the thread
// current on its CPU, as the scheduler does before running the thread.
func (t *Thread) SwitchTo(ctx context.Context) error {
	return t.proc.k.sys.Activate(t.Context(ctx), t.proc.mm)
}

// SwitchAway deactivates the thread's address space. The CPU root is cleared
// only if the thread is still current there.
func (t *Thread) SwitchAway(ctx context.Context) error {
	return t.proc.k.sys.Activate(t.Context(ctx), nil)
}
