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

// Package pgalloc contains the physical frame allocator.
//
// A FramePool owns a fixed number of page frames backed by a single anonymous
// host mapping. Frames are identified by their physical address, which is the
// pool's base physical address plus the frame's offset into the mapping.
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vmmap.dev/vmmap/pkg/bitmap"
	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/metric"
	"vmmap.dev/vmmap/pkg/sync"
)

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/vm/frames_allocated", "Number of physical frames handed out by frame pools.")
	framesFreed     = metric.MustCreateNewUint64Metric("/vm/frames_freed", "Number of physical frames returned to frame pools.")
)

// Frame is a physical page frame.
type Frame struct {
	// Addr is the frame's page-aligned physical address.
	Addr uint64
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame@%#x", f.Addr)
}

// FramePoolOpts holds options to NewFramePool.
type FramePoolOpts struct {
	// Frames is the number of frames in the pool.
	Frames int

	// PhysBase is the physical address of the first frame. It must be page
	// aligned.
	PhysBase uint64
}

// FramePool is a fixed-size pool of physical frames.
type FramePool struct {
	physBase uint64
	frames   int

	// mem is the host mapping backing all frames. It is immutable.
	mem []byte

	mu sync.Mutex

	// used has one bit per frame, set while the frame is allocated.
	//
	// +checklocks:mu
	used bitmap.Bitmap
}

// NewFramePool creates a pool of opts.Frames frames.
func NewFramePool(opts FramePoolOpts) (*FramePool, error) {
	if opts.Frames <= 0 || opts.Frames > int(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("invalid frame count %d", opts.Frames)
	}
	if !hostarch.Addr(opts.PhysBase).IsPageAligned() {
		return nil, fmt.Errorf("unaligned physical base %#x", opts.PhysBase)
	}
	if _, ok := hostarch.Addr(opts.PhysBase).AddLength(uint64(opts.Frames) * hostarch.PageSize); !ok {
		return nil, fmt.Errorf("physical range of %d frames at %#x overflows", opts.Frames, opts.PhysBase)
	}
	mem, err := unix.Mmap(-1, 0, opts.Frames*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d frames: %w", opts.Frames, err)
	}
	log.Debugf("pgalloc: %d frames at physical %#x", opts.Frames, opts.PhysBase)
	return &FramePool{
		physBase: opts.PhysBase,
		frames:   opts.Frames,
		mem:      mem,
		used:     bitmap.New(uint32(opts.Frames)),
	}, nil
}

// Destroy releases the host mapping. All frames become invalid.
func (p *FramePool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return
	}
	if err := unix.Munmap(p.mem); err != nil {
		log.Warningf("pgalloc: munmap failed: %v", err)
	}
	p.mem = nil
}

// Total returns the number of frames in the pool.
func (p *FramePool) Total() int {
	return p.frames
}

// Available returns the number of unallocated frames.
func (p *FramePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames - int(p.used.GetNumOnes())
}

// PhysRange returns the physical address range [start, end) covered by the
// pool.
func (p *FramePool) PhysRange() (start, end uint64) {
	return p.physBase, p.physBase + uint64(p.frames)*hostarch.PageSize
}

// Contains returns true if pa lies within the pool.
func (p *FramePool) Contains(pa uint64) bool {
	start, end := p.PhysRange()
	return start <= pa && pa < end
}

func (p *FramePool) index(f Frame) int {
	if !p.Contains(f.Addr) || !hostarch.Addr(f.Addr).IsPageAligned() {
		panic(fmt.Sprintf("%v does not belong to pool %#x-%#x", f, p.physBase, p.physBase+uint64(p.frames)*hostarch.PageSize))
	}
	return int((f.Addr - p.physBase) >> hostarch.PageShift)
}

func (p *FramePool) frame(i int) Frame {
	return Frame{Addr: p.physBase + uint64(i)<<hostarch.PageShift}
}

// Allocate returns one free frame. Its contents are unspecified.
func (p *FramePool) Allocate() (Frame, error) {
	return p.AllocateFrames(1)
}

// AllocateFrames returns the first frame of the lowest run of count
// physically contiguous free frames.
func (p *FramePool) AllocateFrames(count int) (Frame, error) {
	if count <= 0 {
		return Frame{}, linuxerr.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if count > p.frames-int(p.used.GetNumOnes()) {
		return Frame{}, linuxerr.ENOMEM
	}
	first, err := p.used.FirstZeroRun(uint32(count))
	if err != nil {
		return Frame{}, linuxerr.ENOMEM
	}
	p.used.SetRange(first, first+uint32(count))
	framesAllocated.IncrementBy(uint64(count))
	return p.frame(int(first)), nil
}

// Free returns f to the pool. Freeing a frame that is not allocated panics.
func (p *FramePool) Free(f Frame) {
	p.FreeFrames(f, 1)
}

// FreeFrames returns the run of count frames starting at f to the pool.
func (p *FramePool) FreeFrames(f Frame, count int) {
	first := p.index(f)
	if count <= 0 || first+count > p.frames {
		panic(fmt.Sprintf("freeing %d frames at %v overruns the pool", count, f))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := first; i < first+count; i++ {
		if !p.used.IsSet(uint32(i)) {
			panic(fmt.Sprintf("%v freed while not allocated", p.frame(i)))
		}
	}
	p.used.ClearRange(uint32(first), uint32(first+count))
	framesFreed.IncrementBy(uint64(count))
}

// Slice returns the memory of frame f.
func (p *FramePool) Slice(f Frame) []byte {
	off := p.index(f) << hostarch.PageShift
	return p.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Zero fills frame f with zeroes.
func (p *FramePool) Zero(f Frame) {
	clear(p.Slice(f))
}
