// Copyright 2018 The gVisor Authors.
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

// Package boot assembles the memory map subsystem and the kernel from a
// vmctl configuration.
package boot

import (
	"fmt"

	"vmmap.dev/vmmap/pkg/cleanup"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/sentry/kernel"
	"vmmap.dev/vmmap/pkg/sentry/mm"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
	"vmmap.dev/vmmap/pkg/sentry/platform/soft"
	"vmmap.dev/vmmap/vmctl/config"
)

// Loader keeps the state needed to run processes against the memory map
// subsystem.
type Loader struct {
	conf *config.Config

	// platform provides page tables and CPUs.
	platform *soft.Platform

	// frames is the physical frame pool.
	frames *pgalloc.FramePool

	// sys is the memory map subsystem.
	sys *mm.System

	// k is the kernel.
	k *kernel.Kernel
}

// New initializes a new loader configured by conf. halt, if not nil,
// replaces the default halt hook applied to unresolved faults.
func New(conf *config.Config, halt func(*mm.FaultError)) (*Loader, error) {
	p, err := soft.New(conf.PlatformOpts())
	if err != nil {
		return nil, fmt.Errorf("error creating platform: %w", err)
	}
	frames, err := pgalloc.NewFramePool(conf.FramePoolOpts())
	if err != nil {
		return nil, fmt.Errorf("error creating frame pool: %w", err)
	}
	cu := cleanup.Make(frames.Destroy)
	defer cu.Clean()

	opts := conf.SystemOpts()
	opts.Platform = p
	opts.Frames = frames
	opts.Halt = halt
	sys, err := mm.NewSystem(opts)
	if err != nil {
		return nil, fmt.Errorf("error initializing memory maps: %w", err)
	}
	cu.Release()

	log.Infof("Platform: soft, %d CPUs, user %v, kernel %v", p.NumCPUs(), conf.UserRange(), conf.KernelRange())
	log.Infof("Frames: %d at %#x", frames.Total(), conf.PhysBase)
	return &Loader{
		conf:     conf,
		platform: p,
		frames:   frames,
		sys:      sys,
		k:        kernel.New(sys),
	}, nil
}

// Kernel returns the kernel.
func (l *Loader) Kernel() *kernel.Kernel {
	return l.k
}

// MemorySystem returns the memory map subsystem.
func (l *Loader) MemorySystem() *mm.System {
	return l.sys
}

// Platform returns the platform.
func (l *Loader) Platform() *soft.Platform {
	return l.platform
}

// Frames returns the physical frame pool.
func (l *Loader) Frames() *pgalloc.FramePool {
	return l.frames
}

// Destroy cleans up all resources used by the loader. Every process must
// have exited.
func (l *Loader) Destroy() {
	st := l.sys.Stats()
	log.Debugf("Destroying loader: %d kernel entries, %d/%d bookkeeping bytes, %d page table nodes",
		st.KernelEntries, st.ArenaUsed, st.ArenaSize, l.platform.PageTableNodes())
	l.sys.Destroy()
	if n := l.frames.Total() - l.frames.Available(); n != 0 {
		log.Warningf("%d frames still allocated at exit", n)
	}
	l.frames.Destroy()
}
