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

package kernel

import (
	"context"

	"vmmap.dev/vmmap/pkg/sentry/mm"
)

// contextID is the kernel package's type for context.Context.Value keys.
type contextID int

const (
	// CtxKernel is a Context.Value key for a Kernel.
	CtxKernel contextID = iota

	// CtxThread is a Context.Value key for a Thread.
	CtxThread
)

// KernelFromContext returns the Kernel in which ctx is executing, or nil if
// there is no such Kernel.
func KernelFromContext(ctx context.Context) *Kernel {
	if v := ctx.Value(CtxKernel); v != nil {
		return v.(*Kernel)
	}
	return nil
}

// ThreadFromContext returns the Thread in which ctx is executing, or nil if
// there is no such Thread.
func ThreadFromContext(ctx context.Context) *Thread {
	if v := ctx.Value(CtxThread); v != nil {
		return v.(*Thread)
	}
	return nil
}

// threadContext is a context.Context executing on a Thread.
type threadContext struct {
	context.Context
	t *Thread
}

// Value implements context.Context.Value.
func (tc threadContext) Value(key any) any {
	switch key {
	case CtxThread, mm.CtxExecutionContext:
		return tc.t
	case CtxKernel:
		return tc.t.proc.k
	default:
		return tc.Context.Value(key)
	}
}

// Context returns a context derived from parent that executes on t.
func (t *Thread) Context(parent context.Context) context.Context {
	return threadContext{Context: parent, t: t}
}
