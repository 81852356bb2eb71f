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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/mm"
)

func newTestFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return testFlags
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmctl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if want := mm.FaultPolicyHalt; c.FaultPolicy != want {
		t.Errorf("FaultPolicy=%v, want: %v", c.FaultPolicy, want)
	}
	if want := mm.DefaultPoolFrames; c.PoolFrames != want {
		t.Errorf("PoolFrames=%v, want: %v", c.PoolFrames, want)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t,
		"--debug",
		"--fault-policy=report",
		"--user-start=0x2000",
		"--frames=16",
		"--fault-log-interval=1s",
	))
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := mm.FaultPolicyReport; c.FaultPolicy != want {
		t.Errorf("FaultPolicy=%v, want: %v", c.FaultPolicy, want)
	}
	if want := (hostarch.AddrRange{Start: 0x2000, End: 0x40000000}); c.UserRange() != want {
		t.Errorf("UserRange=%v, want: %v", c.UserRange(), want)
	}
	if want := 16; c.Frames != want {
		t.Errorf("Frames=%v, want: %v", c.Frames, want)
	}
	if want := time.Second; c.FaultLogInterval != want {
		t.Errorf("FaultLogInterval=%v, want: %v", c.FaultLogInterval, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	orig, err := NewFromFlags(newTestFlags(t, "--debug", "--log-format=json", "--cpus=4", "--fault-policy=report"))
	if err != nil {
		t.Fatal(err)
	}
	flags := orig.ToFlags()
	want := []string{"--log-format=json", "--debug=true", "--fault-policy=report", "--cpus=4"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	c, err := NewFromFlags(newTestFlags(t, flags...))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Errorf("Config round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
debug = true
fault_policy = "report"
fault_log_interval = "250ms"
user_start = 0x10000
user_end = 0x20000
frames = 64
pool_frames = 4
`)
	c, err := NewFromFlags(newTestFlags(t, "--config="+path, "--frames=32"))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:       path,
		LogFormat:        "text",
		Debug:            true,
		FaultPolicy:      mm.FaultPolicyReport,
		FaultLogInterval: 250 * time.Millisecond,
		UserStart:        0x10000,
		UserEnd:          0x20000,
		KernelStart:      0xc0000000,
		KernelEnd:        0x100000000,
		CPUs:             2,
		// The command line wins over the file.
		Frames:     32,
		PhysBase:   0x100000,
		PoolFrames: 4,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{name: "unknown key", contents: "frame = 12\n", want: "unknown settings"},
		{name: "syntax", contents: "frames = \n", want: "error reading config file"},
		{name: "bad policy", contents: `fault_policy = "ignore"` + "\n", want: "invalid fault policy"},
		{name: "invalid", contents: "pool_frames = 0\n", want: "pool-frames"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.contents)
			_, err := NewFromFlags(newTestFlags(t, "--config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags: got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{name: "log format", args: []string{"--log-format=xml"}},
		{name: "empty user range", args: []string{"--user-end=0x1000"}},
		{name: "unaligned user range", args: []string{"--user-start=0x1001"}},
		{name: "overlap", args: []string{"--kernel-start=0x3fff0000"}},
		{name: "cpus", args: []string{"--cpus=0"}},
		{name: "frames", args: []string{"--frames=0"}},
		{name: "pool larger than frames", args: []string{"--frames=2", "--pool-frames=3"}},
		{name: "phys base", args: []string{"--phys-base=0x100010"}},
		{name: "interval", args: []string{"--fault-log-interval=-1s"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewFromFlags(newTestFlags(t, tc.args...)); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded", tc.args)
			}
		})
	}
}

func TestInvalidFaultPolicyFlag(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	testFlags.SetOutput(new(strings.Builder))
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--fault-policy=ignore"}); err == nil {
		t.Errorf("Parse accepted an invalid fault policy")
	}
}

func TestSystemOpts(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t, "--fault-policy=report", "--pool-frames=3", "--cpus=3"))
	if err != nil {
		t.Fatal(err)
	}
	opts := c.SystemOpts()
	if opts.FaultPolicy != mm.FaultPolicyReport || opts.PoolFrames != 3 || opts.FaultLogInterval != mm.DefaultFaultLogInterval {
		t.Errorf("SystemOpts: got %+v", opts)
	}
	if got := c.PlatformOpts(); got.CPUs != 3 || got.UserRange != c.UserRange() || got.KernelRange != c.KernelRange() {
		t.Errorf("PlatformOpts: got %+v", got)
	}
	if got := c.FramePoolOpts(); got.Frames != 1024 || got.PhysBase != 0x100000 {
		t.Errorf("FramePoolOpts: got %+v", got)
	}
}
