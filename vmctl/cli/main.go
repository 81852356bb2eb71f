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

// Package cli is the main entrypoint for vmctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/metric"
	"vmmap.dev/vmmap/vmctl/cmd"
	"vmmap.dev/vmmap/vmctl/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf(err.Error())
	}

	subcommand := flag.CommandLine.Arg(0)

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, subcommand, time.Now(), os.O_WRONLY|os.O_CREATE|os.O_APPEND)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
	}
	e, err := log.NewEmitter(conf.LogFormat, &log.Writer{Next: logFile})
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)

	const delimString = `**************** vmctl ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	metric.EmitMetricUpdate()
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	fmt.Fprintf(os.Stderr, "vmctl %s: exit status %d\n", subcommand, subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by vmctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Dump), "")

	const metricGroup = "metrics"
	cb(new(cmd.Metrics), metricGroup)
}
