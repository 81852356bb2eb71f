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
	"io"
	"os"

	"github.com/google/subcommands"
	"vmmap.dev/vmmap/vmctl/config"
	"vmmap.dev/vmmap/vmctl/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// quiet suppresses the per-step results.
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario and print the result of every step"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.toml> - create the scenario's processes, run their steps concurrently and print one line per step.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "do not print step results.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return exitStatus(r.execute(ctx, os.Stdout, conf, f.Arg(0)))
}

func (r *Run) execute(ctx context.Context, w io.Writer, conf *config.Config, path string) error {
	report, err := runScenario(ctx, conf, path, scenario.Options{})
	if report != nil && !r.quiet {
		writeResults(w, report)
	}
	return err
}
