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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/vmctl/boot"
	"vmmap.dev/vmmap/vmctl/config"
	"vmmap.dev/vmmap/vmctl/scenario"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// runScenario loads the scenario at path and runs it on a new loader built
// from conf. The loader is destroyed before returning.
func runScenario(ctx context.Context, conf *config.Config, path string, opts scenario.Options) (*scenario.Report, error) {
	sc, err := scenario.Load(path)
	if err != nil {
		return nil, err
	}
	l, err := boot.New(conf, nil)
	if err != nil {
		return nil, err
	}
	defer l.Destroy()
	report, err := scenario.Run(ctx, l, sc, opts)
	if conf.Debug {
		l.MemorySystem().KernelMap().LogDump()
	}
	return report, err
}

// writeResults writes one line per step result of every process in report.
func writeResults(w io.Writer, report *scenario.Report) {
	for _, pr := range report.Processes {
		for _, res := range pr.Results {
			fmt.Fprintf(w, "%s: %v\n", pr.Name, res)
		}
	}
}

// exitStatus reports err, if any, and returns the matching exit status. A
// halt is reported with the diagnostic of the fault that caused it.
func exitStatus(err error) subcommands.ExitStatus {
	if err == nil {
		return subcommands.ExitSuccess
	}
	if he, ok := scenario.Halted(err); ok {
		fmt.Fprintf(os.Stderr, "%v\n", he)
		log.Warningf("%v", he)
		return subcommands.ExitFailure
	}
	Fatalf("%v", err)
	panic("unreachable")
}
