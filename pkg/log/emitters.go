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
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// pid is written in the thread ID column of the glog header.
var pid = os.Getpid()

// callerOf returns "file:line" for the caller depth frames above Emit, or
// "x:0" when it cannot be determined.
func callerOf(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "x:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:] // Trim any directory path from the file.
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var l byte
	switch level {
	case Debug:
		l = 'D'
	case Info:
		l = 'I'
	default:
		l = 'W'
	}
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	header := fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d %7d %s] ",
		l, int(month), day, hour, minute, second, timestamp.Nanosecond()/1000,
		pid, callerOf(depth))
	g.Writer.Emit(depth+1, level, timestamp, header+format+"\n", args...)
}

type jsonLog struct {
	Msg   string    `json:"msg"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
}

// JSONEmitter logs messages in json format.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Msg:   callerOf(depth) + "] " + fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}

// LogrusEmitter forwards log statements to a logrus logger, so that the
// memory subsystem's output can be merged with hosts that already log
// through logrus.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns a LogrusEmitter writing formatted text to w.
func NewLogrusEmitter(w *Writer, jsonFormat bool) LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp).WithField("caller", callerOf(depth))
	switch level {
	case Debug:
		entry.Debugf(format, v...)
	case Info:
		entry.Infof(format, v...)
	default:
		entry.Warnf(format, v...)
	}
}

// NewEmitter returns the emitter for the given format name: "text", "json"
// or "logrus".
func NewEmitter(format string, w *Writer) (Emitter, error) {
	switch format {
	case "text", "":
		return GoogleEmitter{w}, nil
	case "json":
		return JSONEmitter{w}, nil
	case "logrus":
		return NewLogrusEmitter(w, false), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	}
}
