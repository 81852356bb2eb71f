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
	"fmt"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
	"vmmap.dev/vmmap/pkg/sync"
)

// arenaGranule is the allocation granularity of the bookkeeping arena.
const arenaGranule = 16

// arena is the memory pool that map and entry bookkeeping is charged
// against. It is seeded once from a contiguous run of frames and never
// grows; exhausting it fails the operation that needed the space.
type arena struct {
	frames *pgalloc.FramePool
	base   pgalloc.Frame
	count  int

	mu sync.Mutex

	// +checklocks:mu
	used uint64
}

func newArena(frames *pgalloc.FramePool, count int) (*arena, error) {
	base, err := frames.AllocateFrames(count)
	if err != nil {
		return nil, fmt.Errorf("seeding bookkeeping arena with %d frames: %w", count, err)
	}
	return &arena{
		frames: frames,
		base:   base,
		count:  count,
	}, nil
}

// size returns the arena capacity in bytes.
func (a *arena) size() uint64 {
	return uint64(a.count) * hostarch.PageSize
}

func roundGranule(n uintptr) uint64 {
	return (uint64(n) + arenaGranule - 1) &^ (arenaGranule - 1)
}

// charge reserves n bytes.
func (a *arena) charge(n uintptr) error {
	n64 := roundGranule(n)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+n64 > a.size() {
		return linuxerr.ENOMEM
	}
	a.used += n64
	return nil
}

// uncharge releases n bytes previously charged.
func (a *arena) uncharge(n uintptr) {
	n64 := roundGranule(n)
	a.mu.Lock()
	defer a.mu.Unlock()
	if n64 > a.used {
		panic(fmt.Sprintf("arena uncharge of %d bytes with %d in use", n64, a.used))
	}
	a.used -= n64
}

// inUse returns the number of bytes charged.
func (a *arena) inUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// release returns the arena's frames to the pool.
func (a *arena) release() {
	a.frames.FreeFrames(a.base, a.count)
}
