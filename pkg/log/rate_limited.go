// Copyright 2022 The gVisor Authors.
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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter

	// dropped counts statements suppressed since the last one emitted. It is
	// reported with the next emitted Warningf so bursts are not silently
	// lost.
	dropped atomic.Uint64
}

func (rl *rateLimitedLogger) allow() (uint64, bool) {
	if rl.limit.Allow() {
		return rl.dropped.Swap(0), true
	}
	rl.dropped.Add(1)
	return 0, false
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if !rl.logger.IsLogging(Debug) {
		return
	}
	if _, ok := rl.allow(); ok {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if _, ok := rl.allow(); ok {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	dropped, ok := rl.allow()
	if !ok {
		return
	}
	if dropped > 0 {
		rl.logger.Warningf("(%d similar messages suppressed) "+format, append([]any{dropped}, v...)...)
		return
	}
	rl.logger.Warningf(format, v...)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
