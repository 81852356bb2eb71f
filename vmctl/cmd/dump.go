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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"vmmap.dev/vmmap/vmctl/config"
	"vmmap.dev/vmmap/vmctl/scenario"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	// after runs the steps before dumping.
	after bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the virtual memory maps of a scenario"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] <scenario.toml> - build the scenario's address spaces and print every map.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.after, "after", false, "run the scenario's steps and dump the maps they leave behind.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return exitStatus(d.execute(ctx, os.Stdout, conf, f.Arg(0)))
}

func (d *Dump) execute(ctx context.Context, w io.Writer, conf *config.Config, path string) error {
	report, err := runScenario(ctx, conf, path, scenario.Options{SkipSteps: !d.after})
	if report == nil {
		return err
	}
	fmt.Fprintf(w, "kernel:\n%s", report.KernelDump)
	for _, pr := range report.Processes {
		fmt.Fprintf(w, "%s:\n%s", pr.Name, pr.Dump)
	}
	return err
}
