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
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/metric"
	"vmmap.dev/vmmap/vmctl/config"
	"vmmap.dev/vmmap/vmctl/scenario"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a scenario and print metric data"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics <scenario.toml> - runs the scenario and prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return exitStatus(m.execute(ctx, os.Stdout, conf, f.Arg(0)))
}

func (m *Metrics) execute(ctx context.Context, w io.Writer, conf *config.Config, path string) error {
	_, runErr := runScenario(ctx, conf, path, scenario.Options{})
	if _, halted := scenario.Halted(runErr); runErr != nil && !halted {
		return runErr
	}
	if err := metric.WriteText(w); err != nil {
		return err
	}
	log.Infof("Wrote metric data to stdout")
	return runErr
}
