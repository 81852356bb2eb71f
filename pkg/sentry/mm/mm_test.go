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
	"testing"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/memmap"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
	"vmmap.dev/vmmap/pkg/sentry/platform"
	"vmmap.dev/vmmap/pkg/sentry/platform/soft"
	"vmmap.dev/vmmap/pkg/sync"
)

var (
	testUserRange   = hostarch.AddrRange{Start: 0x1000, End: 0x9000}
	testKernelRange = hostarch.AddrRange{Start: 0x10000000, End: 0x10100000}
)

type testOpts struct {
	userRange  hostarch.AddrRange
	frames     int
	poolFrames int
	wrap       func(platform.Platform) platform.Platform
	sysOpts    func(*SystemOpts)
}

type testOption func(*testOpts)

func withUserRange(ar hostarch.AddrRange) testOption {
	return func(o *testOpts) { o.userRange = ar }
}

func withFrames(n int) testOption {
	return func(o *testOpts) { o.frames = n }
}

func withPoolFrames(n int) testOption {
	return func(o *testOpts) { o.poolFrames = n }
}

func withPlatform(wrap func(platform.Platform) platform.Platform) testOption {
	return func(o *testOpts) { o.wrap = wrap }
}

func withSystemOpts(fn func(*SystemOpts)) testOption {
	return func(o *testOpts) { o.sysOpts = fn }
}

// newPool returns a frame pool destroyed at the end of the test.
func newPool(t *testing.T, frames int) *pgalloc.FramePool {
	t.Helper()
	pool, err := pgalloc.NewFramePool(pgalloc.FramePoolOpts{Frames: frames, PhysBase: 0x400000})
	if err != nil {
		t.Fatalf("NewFramePool failed: %v", err)
	}
	t.Cleanup(pool.Destroy)
	return pool
}

// testSystem returns a System on a soft platform with two CPUs.
func testSystem(t *testing.T, options ...testOption) *System {
	t.Helper()
	o := testOpts{
		userRange:  testUserRange,
		frames:     64,
		poolFrames: 4,
	}
	for _, opt := range options {
		opt(&o)
	}
	sp, err := soft.New(soft.Opts{UserRange: o.userRange, KernelRange: testKernelRange, CPUs: 2})
	if err != nil {
		t.Fatalf("soft.New failed: %v", err)
	}
	var p platform.Platform = sp
	if o.wrap != nil {
		p = o.wrap(p)
	}
	opts := SystemOpts{
		Platform:   p,
		Frames:     newPool(t, o.frames),
		PoolFrames: o.poolFrames,
	}
	if o.sysOpts != nil {
		o.sysOpts(&opts)
	}
	s, err := NewSystem(opts)
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	return s
}

// testAddressSpace returns a new user map of s that is destroyed at the end
// of the test unless the test destroys it.
func testAddressSpace(t *testing.T, s *System) *Map {
	t.Helper()
	m, err := s.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	t.Cleanup(func() {
		if !m.destroyed {
			if err := s.DestroyAddressSpace(context.Background(), m); err != nil {
				t.Errorf("DestroyAddressSpace failed: %v", err)
			}
		}
	})
	return m
}

func mustAddEntry(t *testing.T, m *Map, start, end hostarch.Addr, perms hostarch.AccessType) *Entry {
	t.Helper()
	e, err := m.AddEntry(hostarch.AddrRange{Start: start, End: end}, perms)
	if err != nil {
		t.Fatalf("AddEntry([%#x, %#x), %v) failed: %v", start, end, perms, err)
	}
	return e
}

// testCPU is the state shared by the test execution contexts on one CPU.
type testCPU struct {
	cs      sync.CriticalSection
	current *testContext
}

// testContext is an execution context for tests.
type testContext struct {
	shared  *testCPU
	cpu     platform.CPU
	userMap *Map
}

func (c *testContext) EnterCriticalSection() { c.shared.cs.Enter() }
func (c *testContext) LeaveCriticalSection() { c.shared.cs.Leave() }
func (c *testContext) CPU() platform.CPU     { return c.cpu }
func (c *testContext) UserMap() *Map         { return c.userMap }
func (c *testContext) SetUserMap(m *Map)     { c.userMap = m }
func (c *testContext) IsCurrent() bool       { return c.shared.current == c }
func (c *testContext) MakeCurrent()          { c.shared.current = c }

// withExecutionContext returns a context executing on a new test execution
// context on CPU cpu of s.
func withExecutionContext(s *System, cpu int) (context.Context, *testContext) {
	ctxs, ecs := withExecutionContexts(s, cpu, 1)
	return ctxs[0], ecs[0]
}

// withExecutionContexts returns n contexts executing on new test execution
// contexts that share CPU cpu of s.
func withExecutionContexts(s *System, cpu, n int) ([]context.Context, []*testContext) {
	shared := &testCPU{}
	ctxs := make([]context.Context, n)
	ecs := make([]*testContext, n)
	for i := range ecs {
		ecs[i] = &testContext{shared: shared, cpu: s.platform.CPU(cpu)}
		ctxs[i] = context.WithValue(context.Background(), CtxExecutionContext, ExecutionContext(ecs[i]))
	}
	return ctxs, ecs
}

// countingPager wraps the anonymous pager and counts object destruction.
type countingPager struct {
	*memmap.AnonPager
	destroyed map[*countingObject]int
}

type countingObject struct {
	memmap.Object
	p *countingPager
}

func (p *countingPager) NewObject(size uint64) (memmap.Object, error) {
	obj, err := p.AnonPager.NewObject(size)
	if err != nil {
		return nil, err
	}
	co := &countingObject{Object: obj, p: p}
	p.destroyed[co] = 0
	return co, nil
}

func (p *countingPager) Fault(ctx context.Context, obj memmap.Object, addr hostarch.Addr, offset uint64, at hostarch.AccessType) (pgalloc.Frame, error) {
	return p.AnonPager.Fault(ctx, obj.(*countingObject).Object, addr, offset, at)
}

func (o *countingObject) Pager() memmap.Pager {
	return o.p
}

func (o *countingObject) Split(offset uint64) (memmap.Object, error) {
	tail, err := o.Object.Split(offset)
	if err != nil {
		return nil, err
	}
	co := &countingObject{Object: tail, p: o.p}
	o.p.destroyed[co] = 0
	return co, nil
}

func (o *countingObject) Destroy() {
	o.p.destroyed[o]++
	o.Object.Destroy()
}

// failingPager fails every fault with err.
type failingPager struct {
	*memmap.AnonPager
	err error
}

func (p *failingPager) NewObject(size uint64) (memmap.Object, error) {
	obj, err := p.AnonPager.NewObject(size)
	if err != nil {
		return nil, err
	}
	return &failingObject{Object: obj, p: p}, nil
}

func (p *failingPager) Fault(context.Context, memmap.Object, hostarch.Addr, uint64, hostarch.AccessType) (pgalloc.Frame, error) {
	return pgalloc.Frame{}, p.err
}

type failingObject struct {
	memmap.Object
	p *failingPager
}

func (o *failingObject) Pager() memmap.Pager {
	return o.p
}

// failingPlatform hands out user page tables that reject translations.
type failingPlatform struct {
	platform.Platform
}

type failingPageTable struct {
	platform.PageTable
}

func (p failingPlatform) NewPageTable() (platform.PageTable, error) {
	pt, err := p.Platform.NewPageTable()
	if err != nil {
		return nil, err
	}
	return failingPageTable{pt}, nil
}

func (failingPageTable) MapPage(addr hostarch.Addr, physical uint64, at hostarch.AccessType) error {
	return fmt.Errorf("no room for %v: %w", addr, linuxerr.ENOMEM)
}
