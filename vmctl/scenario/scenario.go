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

// Package scenario describes and runs scripted memory workloads: processes
// with mappings and a sequence of accesses performed on one of their
// threads.
//
// A scenario is a TOML document:
//
//	[[kernel.mapping]]
//	start = 0xc0000000
//	end   = 0xc0004000
//	perms = "rw-"
//
//	[[process]]
//	name     = "init"
//	replicas = 2
//
//	  [[process.mapping]]
//	  start = 0x2000
//	  end   = 0x4000
//	  perms = "rw-"
//
//	  [[process.step]]
//	  op   = "write"
//	  addr = 0x2050
//	  data = "hello"
package scenario

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"vmmap.dev/vmmap/pkg/hostarch"
)

// Op is a step operation.
type Op string

// Step operations.
const (
	// OpFault traps at Addr with Access, as a faulting instruction would.
	OpFault Op = "fault"

	// OpRead copies Len bytes in from Addr.
	OpRead Op = "read"

	// OpWrite copies Data out to Addr.
	OpWrite Op = "write"

	// OpProtect changes the protection of [Addr, End) to Perms.
	OpProtect Op = "protect"

	// OpUnmap removes the entry containing Addr.
	OpUnmap Op = "unmap"

	// OpDump records the dump of the map governing Addr.
	OpDump Op = "dump"
)

// Scenario is a complete workload.
type Scenario struct {
	// Kernel holds mappings added to the kernel map before any process
	// runs.
	Kernel Space `toml:"kernel"`

	// Processes are the processes to run, concurrently.
	Processes []Process `toml:"process"`
}

// Space is a set of mappings.
type Space struct {
	Mappings []Mapping `toml:"mapping"`
}

// Process is a process template.
type Process struct {
	// Name identifies the process in results.
	Name string `toml:"name"`

	// Replicas is the number of identical processes to create. Zero means
	// one.
	Replicas int `toml:"replicas"`

	// Mappings are added to the process address space before it runs.
	Mappings []Mapping `toml:"mapping"`

	// Steps run in order on the process's thread.
	Steps []Step `toml:"step"`
}

// Mapping is one mapped region.
type Mapping struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`

	// Perms is the protection in "rwx" form, with '-' for absent bits.
	Perms string `toml:"perms"`

	// Phys, if set, backs the mapping with the physical window starting at
	// Phys instead of anonymous memory.
	Phys uint64 `toml:"phys"`
}

// Range returns the mapping's address range.
func (m *Mapping) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(m.Start), End: hostarch.Addr(m.End)}
}

// Step is one scripted operation.
type Step struct {
	Op   Op     `toml:"op"`
	Addr uint64 `toml:"addr"`

	// Access is the faulting access of OpFault, in "rwx" form.
	Access string `toml:"access"`

	// Data is written by OpWrite.
	Data string `toml:"data"`

	// Len is the number of bytes read by OpRead.
	Len int `toml:"len"`

	// End and Perms describe the range and protection of OpProtect.
	End   uint64 `toml:"end"`
	Perms string `toml:"perms"`
}

// Load reads a scenario from a TOML file.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return sc, nil
}

// Parse parses and validates a scenario.
func Parse(data string) (*Scenario, error) {
	sc := &Scenario{}
	md, err := toml.Decode(data, sc)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v", undecoded)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func parsePerms(s string) (hostarch.AccessType, error) {
	at, ok := hostarch.ParseAccessType(s)
	if !ok {
		return hostarch.NoAccess, fmt.Errorf("invalid permissions %q", s)
	}
	return at, nil
}

func (m *Mapping) validate() error {
	if _, err := parsePerms(m.Perms); err != nil {
		return err
	}
	if ar := m.Range(); ar.Length() == 0 || !ar.WellFormed() || !ar.IsPageAligned() {
		return fmt.Errorf("invalid mapping %v", ar)
	}
	if !hostarch.Addr(m.Phys).IsPageAligned() {
		return fmt.Errorf("physical window %#x is not page aligned", m.Phys)
	}
	return nil
}

func (s *Step) validate() error {
	switch s.Op {
	case OpFault:
		if _, err := parsePerms(s.Access); err != nil {
			return err
		}
	case OpRead:
		if s.Len <= 0 {
			return fmt.Errorf("read of %d bytes", s.Len)
		}
	case OpWrite:
		if len(s.Data) == 0 {
			return fmt.Errorf("write without data")
		}
	case OpProtect:
		if _, err := parsePerms(s.Perms); err != nil {
			return err
		}
		if s.End <= s.Addr {
			return fmt.Errorf("protect of empty range [%#x, %#x)", s.Addr, s.End)
		}
	case OpUnmap, OpDump:
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

func (sc *Scenario) validate() error {
	for i := range sc.Kernel.Mappings {
		if err := sc.Kernel.Mappings[i].validate(); err != nil {
			return fmt.Errorf("kernel mapping %d: %w", i, err)
		}
	}
	names := make(map[string]struct{})
	for i := range sc.Processes {
		p := &sc.Processes[i]
		if p.Name == "" {
			return fmt.Errorf("process %d has no name", i)
		}
		if _, ok := names[p.Name]; ok {
			return fmt.Errorf("duplicate process name %q", p.Name)
		}
		names[p.Name] = struct{}{}
		if p.Replicas < 0 {
			return fmt.Errorf("process %q: negative replicas", p.Name)
		}
		for j := range p.Mappings {
			if err := p.Mappings[j].validate(); err != nil {
				return fmt.Errorf("process %q mapping %d: %w", p.Name, j, err)
			}
		}
		for j := range p.Steps {
			if err := p.Steps[j].validate(); err != nil {
				return fmt.Errorf("process %q step %d: %w", p.Name, j, err)
			}
		}
	}
	return nil
}

// Expand returns one process per replica. Replicas are deep copies named
// "<name>.<replica>"; a process with at most one replica keeps its name.
func (sc *Scenario) Expand() []Process {
	var procs []Process
	for _, p := range sc.Processes {
		if p.Replicas <= 1 {
			procs = append(procs, deepcopy.Copy(p).(Process))
			continue
		}
		for r := 0; r < p.Replicas; r++ {
			cp := deepcopy.Copy(p).(Process)
			cp.Name = fmt.Sprintf("%s.%d", p.Name, r)
			cp.Replicas = 1
			procs = append(procs, cp)
		}
	}
	return procs
}
