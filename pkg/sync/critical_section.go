// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"sync"
)

// CriticalSection excludes asynchronous interruption of one execution
// context. It stands in for disabling interrupts on the current CPU: while a
// context is inside its critical section, nothing acting on behalf of that
// context (an interrupt handler, a preempting switch, an observer of its
// state) can enter the section.
//
// Critical sections do not nest.
//
// The zero value is ready to use.
type CriticalSection struct {
	mu sync.Mutex
}

// Enter enters the critical section.
func (cs *CriticalSection) Enter() {
	cs.mu.Lock()
}

// Leave leaves the critical section.
func (cs *CriticalSection) Leave() {
	cs.mu.Unlock()
}

// Do runs fn inside the critical section.
func (cs *CriticalSection) Do(fn func()) {
	cs.Enter()
	defer cs.Leave()
	fn()
}
