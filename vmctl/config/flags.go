// Copyright 2020 The gVisor Authors.
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
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"vmmap.dev/vmmap/pkg/sentry/mm"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file to load settings from. Flags given on the command line override it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Duration("fault-log-interval", mm.DefaultFaultLogInterval, "minimum interval between debug logs of resolved page faults.")

	// Flags that control the memory map subsystem.
	flagSet.Var(faultPolicyPtr(mm.FaultPolicyHalt), "fault-policy", "what to do with page faults that cannot be resolved: halt (default), report.")
	flagSet.Uint64("user-start", 0x1000, "lowest user address.")
	flagSet.Uint64("user-end", 0x40000000, "end of the user address range.")
	flagSet.Uint64("kernel-start", 0xc0000000, "lowest kernel address.")
	flagSet.Uint64("kernel-end", 0x100000000, "end of the kernel address range.")
	flagSet.Int("cpus", 2, "number of CPUs.")
	flagSet.Int("frames", 1024, "number of physical frames.")
	flagSet.Uint64("phys-base", 0x100000, "physical address of the first frame.")
	flagSet.Int("pool-frames", mm.DefaultPoolFrames, "number of frames seeding the map bookkeeping arena.")
}

func faultPolicyPtr(p mm.FaultPolicy) *mm.FaultPolicy {
	return &p
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the named file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.setFlags(flagSet.VisitAll)

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown settings in config file %q: %v", conf.ConfigFile, undecoded)
		}
		// Flags set explicitly win over the file.
		conf.setFlags(flagSet.Visit)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFlags copies the value of every flag enumerated by visit into the
// field tagged with its name.
func (c *Config) setFlags(visit func(func(*flag.Flag))) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	fields := make(map[string]int, st.NumField())
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fields[name] = i
		}
	}
	visit(func(fl *flag.Flag) {
		i, ok := fields[fl.Name]
		if !ok {
			return
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q does not implement flag.Getter", fl.Name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	})
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
