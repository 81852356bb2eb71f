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

package scenario

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/sentry/kernel"
	"vmmap.dev/vmmap/pkg/sentry/memmap"
	"vmmap.dev/vmmap/pkg/sentry/mm"
	"vmmap.dev/vmmap/pkg/sentry/platform"
	"vmmap.dev/vmmap/pkg/sync"
	"vmmap.dev/vmmap/vmctl/boot"
)

// Result is the outcome of one step.
type Result struct {
	Step Step

	// Data is the data read by OpRead or the dump recorded by OpDump.
	Data []byte

	// Err is the step's error, if any.
	Err error
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	var outcome string
	switch {
	case r.Err != nil:
		outcome = "error: " + r.Err.Error()
	case r.Step.Op == OpRead:
		outcome = fmt.Sprintf("%q", r.Data)
	case r.Step.Op == OpDump:
		outcome = "\n" + strings.TrimSuffix(string(r.Data), "\n")
	default:
		outcome = "ok"
	}
	return fmt.Sprintf("%s 0x%08x: %s", r.Step.Op, r.Step.Addr, outcome)
}

// ProcessReport is the outcome of one process.
type ProcessReport struct {
	Name string

	// Results holds one result per step run.
	Results []Result

	// Dump is the process map dump after the last step.
	Dump string
}

// Report is the outcome of a scenario.
type Report struct {
	Processes []ProcessReport

	// KernelDump is the kernel map dump after every process ran.
	KernelDump string
}

// Options control Run.
type Options struct {
	// SkipSteps sets up the address spaces without running any step.
	SkipSteps bool
}

// runner holds state shared by the processes of one run.
type runner struct {
	l    *boot.Loader
	sys  *mm.System
	opts Options

	// kernelMu serializes operations on the kernel map, which every
	// process shares.
	kernelMu sync.Mutex
}

// Run runs sc on l. The processes run concurrently, each on its own thread;
// every process exits before Run returns.
//
// A step error is recorded in the report and the process continues. A fault
// that halts the kernel ends the run: the remaining steps of every process
// are skipped and the *mm.HaltError is returned with the partial report.
func Run(ctx context.Context, l *boot.Loader, sc *Scenario, opts Options) (*Report, error) {
	r := &runner{l: l, sys: l.MemorySystem(), opts: opts}
	for i := range sc.Kernel.Mappings {
		if err := r.addMapping(r.sys.KernelMap(), &sc.Kernel.Mappings[i]); err != nil {
			return nil, fmt.Errorf("kernel mapping %d: %w", i, err)
		}
	}

	procs := sc.Expand()
	report := &Report{Processes: make([]ProcessReport, len(procs))}
	threads := make([]*kernel.Thread, 0, len(procs))
	defer func() {
		for _, t := range threads {
			if err := t.Process().Exit(ctx); err != nil {
				log.Warningf("process %d exit: %v", t.Process().ID(), err)
			}
		}
	}()
	ncpu := l.Platform().NumCPUs()
	for i := range procs {
		t, err := newThread(ctx, l.Kernel(), l.Platform().CPU(i%ncpu))
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", procs[i].Name, err)
		}
		threads = append(threads, t)
		for j := range procs[i].Mappings {
			if err := r.addMapping(t.Process().MemoryMap(), &procs[i].Mappings[j]); err != nil {
				return nil, fmt.Errorf("process %q mapping %d: %w", procs[i].Name, j, err)
			}
		}
		report.Processes[i].Name = procs[i].Name
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range procs {
		g.Go(func() error {
			return r.runProcess(gctx, threads[i], &procs[i], &report.Processes[i])
		})
	}
	err := g.Wait()
	report.KernelDump = r.sys.KernelMap().String()
	return report, err
}

// newThread creates a process with one thread bound to cpu. The process
// exits if the thread cannot be created.
func newThread(ctx context.Context, k *kernel.Kernel, cpu platform.CPU) (*kernel.Thread, error) {
	p, err := k.NewProcess()
	if err != nil {
		return nil, err
	}
	t, err := p.NewThread(cpu)
	if err != nil {
		if err := p.Exit(ctx); err != nil {
			log.Warningf("process %d exit: %v", p.ID(), err)
		}
		return nil, err
	}
	return t, nil
}

func (r *runner) addMapping(m *mm.Map, mp *Mapping) error {
	perms, err := parsePerms(mp.Perms)
	if err != nil {
		return err
	}
	if mp.Phys == 0 {
		_, err := m.AddEntry(mp.Range(), perms)
		return err
	}
	pager, err := memmap.NewPhysPager(memmap.PhysRange{Start: mp.Phys, End: mp.Phys + mp.Range().Length()})
	if err != nil {
		return err
	}
	obj, err := pager.NewObject(mp.Range().Length())
	if err != nil {
		return err
	}
	_, err = m.AddEntryWithObject(mp.Range(), perms, obj)
	return err
}

func (r *runner) runProcess(ctx context.Context, t *kernel.Thread, p *Process, pr *ProcessReport) error {
	tctx := t.Context(ctx)
	if err := t.SwitchTo(tctx); err != nil {
		return err
	}
	defer t.SwitchAway(tctx)
	defer func() {
		pr.Dump = t.Process().MemoryMap().String()
	}()

	if r.opts.SkipSteps {
		return nil
	}
	for i := range p.Steps {
		if err := ctx.Err(); err != nil {
			log.Infof("process %q stopped before step %d: %v", p.Name, i, err)
			return nil
		}
		res, err := r.step(tctx, &p.Steps[i])
		pr.Results = append(pr.Results, res)
		if err != nil {
			return fmt.Errorf("process %q step %d: %w", p.Name, i, err)
		}
	}
	return nil
}

// lockMapFor returns the map governing addr for the calling thread with any
// lock it requires held, and the function that releases it.
func (r *runner) lockMapFor(ctx context.Context, addr hostarch.Addr) (*mm.Map, func(), error) {
	m, ok := r.sys.MapForAddress(ctx, addr)
	if !ok {
		return nil, nil, fmt.Errorf("no map governs 0x%08x: %w", uint64(addr), linuxerr.EFAULT)
	}
	if !m.IsKernel() {
		return m, func() {}, nil
	}
	r.kernelMu.Lock()
	return m, r.kernelMu.Unlock, nil
}

// step runs s. The returned error is non-nil only if the kernel halted.
func (r *runner) step(ctx context.Context, s *Step) (res Result, halt error) {
	res.Step = *s
	addr := hostarch.Addr(s.Addr)
	defer func() {
		if p := recover(); p != nil {
			he, ok := p.(*mm.HaltError)
			if !ok {
				panic(p)
			}
			res.Err = he.Fault
			halt = he
		}
	}()

	if s.Op == OpFault {
		at, _ := parsePerms(s.Access)
		if r.sys.KernelMap().Bounds().Contains(addr) {
			r.kernelMu.Lock()
			defer r.kernelMu.Unlock()
		}
		res.Err = r.sys.Trap(ctx, addr, at)
		return res, nil
	}

	m, unlock, err := r.lockMapFor(ctx, addr)
	if err != nil {
		res.Err = err
		return res, nil
	}
	defer unlock()

	switch s.Op {
	case OpRead:
		buf := make([]byte, s.Len)
		n, err := r.sys.CopyIn(ctx, m, addr, buf)
		res.Data, res.Err = buf[:n], err
	case OpWrite:
		_, res.Err = r.sys.CopyOut(ctx, m, addr, []byte(s.Data))
	case OpProtect:
		perms, _ := parsePerms(s.Perms)
		res.Err = m.Protect(hostarch.AddrRange{Start: addr, End: hostarch.Addr(s.End)}, perms)
	case OpUnmap:
		e, ok := m.FindEntry(addr)
		if !ok {
			res.Err = fmt.Errorf("no entry at 0x%08x: %w", s.Addr, linuxerr.EINVAL)
			break
		}
		m.RemoveEntry(e)
	case OpDump:
		res.Data = []byte(m.String())
	}
	return res, nil
}

// Halted returns the halt that ended a run, if err carries one.
func Halted(err error) (*mm.HaltError, bool) {
	var he *mm.HaltError
	ok := goerrors.As(err, &he)
	return he, ok
}
