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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{
		Writer: &Writer{Next: tw},
	}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file:line.
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}
	if !strings.Contains(tw.lines[0], "log_test.go:") {
		t.Errorf("log line %q does not name the calling file", tw.lines[0])
	}
	if tw.lines[0][0] != 'D' {
		t.Errorf("log line %q does not start with the debug level", tw.lines[0])
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{Emitter: &Writer{Next: tw}, Level: Info}
	bl.Debugf("hidden\n")
	bl.Infof("shown\n")
	bl.Warningf("shown\n")
	if got := len(tw.lines); got != 2 {
		t.Errorf("got %d lines, want 2: %v", got, tw.lines)
	}
	bl.SetLevel(Warning)
	bl.Infof("hidden\n")
	if got := len(tw.lines); got != 2 {
		t.Errorf("got %d lines after SetLevel(Warning), want 2", got)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{Emitter: &Writer{Next: tw}, Level: Debug}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("fault %d\n", i)
	}
	if got := len(tw.lines); got != 1 {
		t.Fatalf("got %d lines, want 1: %v", got, tw.lines)
	}
	if tw.lines[0] != "fault 0\n" {
		t.Errorf("got %q, want %q", tw.lines[0], "fault 0\n")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Warning, time.Unix(0, 0).UTC(), "unmapped access at %#x", 0x5000)
	var got jsonLog
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", buf.String(), err)
	}
	if got.Level != Warning || !strings.HasSuffix(got.Msg, "] unmapped access at 0x5000") {
		t.Errorf("got %+v", got)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&Writer{Next: &buf}, true /* jsonFormat */)
	e.Emit(0, Info, time.Now(), "mapped %d pages", 3)
	var got map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", buf.String(), err)
	}
	if got["msg"] != "mapped 3 pages" || got["level"] != "info" {
		t.Errorf("got %v", got)
	}
	if _, ok := got["caller"]; !ok {
		t.Errorf("logrus entry %v has no caller field", got)
	}
}

func TestNewEmitter(t *testing.T) {
	w := &Writer{Next: &testWriter{}}
	for _, format := range []string{"", "text", "json", "logrus"} {
		if _, err := NewEmitter(format, w); err != nil {
			t.Errorf("NewEmitter(%q): %v", format, err)
		}
	}
	if _, err := NewEmitter("xml", w); err == nil {
		t.Errorf("NewEmitter(xml) succeeded")
	}
}

func TestFilePath(t *testing.T) {
	start := time.Date(2026, 10, 19, 1, 2, 3, 4000, time.UTC)
	if got, want := FilePath("/tmp/logs/", "run", start), "/tmp/logs/vmctl.log.20261019-010203.000004.run"; got != want {
		t.Errorf("FilePath: got %q, want %q", got, want)
	}
	if got, want := FilePath("/tmp/%COMMAND%.log", "dump", start), "/tmp/dump.log"; got != want {
		t.Errorf("FilePath: got %q, want %q", got, want)
	}
}

// Tests that Level can marshal/unmarshal properly.
func TestLevelMarshal(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}
