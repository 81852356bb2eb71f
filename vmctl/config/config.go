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

// Package config provides basic infrastructure to set configuration settings
// for vmctl. Each setting that can be changed from the command line must
// have a corresponding flag. Settings can also be loaded from a TOML file
// named by --config; flags given on the command line take precedence over
// the file.
package config

import (
	"fmt"
	"time"

	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/sentry/mm"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
	"vmmap.dev/vmmap/pkg/sentry/platform/soft"
)

// Config holds configuration that is not part of the scenario being run.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name, and a toml tag if the setting can
//     come from a configuration file.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the TOML file the configuration was loaded from.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// %TIMESTAMP% and %COMMAND%.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// FaultPolicy is applied to page faults that cannot be resolved.
	FaultPolicy mm.FaultPolicy `flag:"fault-policy" toml:"fault_policy"`

	// FaultLogInterval limits debug logging of resolved faults.
	FaultLogInterval time.Duration `flag:"fault-log-interval" toml:"fault_log_interval"`

	// UserStart and UserEnd bound user address spaces.
	UserStart uint64 `flag:"user-start" toml:"user_start"`
	UserEnd   uint64 `flag:"user-end" toml:"user_end"`

	// KernelStart and KernelEnd bound the kernel map.
	KernelStart uint64 `flag:"kernel-start" toml:"kernel_start"`
	KernelEnd   uint64 `flag:"kernel-end" toml:"kernel_end"`

	// CPUs is the number of CPUs.
	CPUs int `flag:"cpus" toml:"cpus"`

	// Frames is the number of physical frames.
	Frames int `flag:"frames" toml:"frames"`

	// PhysBase is the physical address of the first frame.
	PhysBase uint64 `flag:"phys-base" toml:"phys_base"`

	// PoolFrames is the number of frames seeding the bookkeeping arena.
	PoolFrames int `flag:"pool-frames" toml:"pool_frames"`
}

// UserRange returns the user address range.
func (c *Config) UserRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(c.UserStart), End: hostarch.Addr(c.UserEnd)}
}

// KernelRange returns the kernel address range.
func (c *Config) KernelRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(c.KernelStart), End: hostarch.Addr(c.KernelEnd)}
}

// PlatformOpts returns the options for the software platform.
func (c *Config) PlatformOpts() soft.Opts {
	return soft.Opts{
		UserRange:   c.UserRange(),
		KernelRange: c.KernelRange(),
		CPUs:        c.CPUs,
	}
}

// FramePoolOpts returns the options for the physical frame pool.
func (c *Config) FramePoolOpts() pgalloc.FramePoolOpts {
	return pgalloc.FramePoolOpts{
		Frames:   c.Frames,
		PhysBase: c.PhysBase,
	}
}

// SystemOpts returns the options for the memory map subsystem. The platform
// and frame pool are filled in by the caller.
func (c *Config) SystemOpts() mm.SystemOpts {
	return mm.SystemOpts{
		PoolFrames:       c.PoolFrames,
		FaultPolicy:      c.FaultPolicy,
		FaultLogInterval: c.FaultLogInterval,
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	ur, kr := c.UserRange(), c.KernelRange()
	if ur.Length() == 0 || !ur.WellFormed() || !ur.IsPageAligned() {
		return fmt.Errorf("invalid user range %v", ur)
	}
	if kr.Length() == 0 || !kr.WellFormed() || !kr.IsPageAligned() {
		return fmt.Errorf("invalid kernel range %v", kr)
	}
	if ur.Overlaps(kr) {
		return fmt.Errorf("user range %v overlaps kernel range %v", ur, kr)
	}
	if c.CPUs < 1 {
		return fmt.Errorf("cpus must be at least 1, got %d", c.CPUs)
	}
	if c.Frames < 1 {
		return fmt.Errorf("frames must be at least 1, got %d", c.Frames)
	}
	if c.PoolFrames < 1 || c.PoolFrames > c.Frames {
		return fmt.Errorf("pool-frames must be between 1 and frames (%d), got %d", c.Frames, c.PoolFrames)
	}
	if !hostarch.Addr(c.PhysBase).IsPageAligned() {
		return fmt.Errorf("phys-base %#x is not page aligned", c.PhysBase)
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("fault-log-interval must not be negative, got %v", c.FaultLogInterval)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tUserRange: %v", c.UserRange())
	log.Infof("\t\tKernelRange: %v", c.KernelRange())
	log.Infof("\t\tCPUs: %d, Frames: %d at %#x, PoolFrames: %d", c.CPUs, c.Frames, c.PhysBase, c.PoolFrames)
	log.Infof("\t\tFaultPolicy: %v", c.FaultPolicy)
	log.Infof("\t\tDebug: %t, LogFormat: %s", c.Debug, c.LogFormat)
}
