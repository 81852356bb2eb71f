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

package mm

import (
	"context"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
)

// CopyOut copies src to m at addr, faulting pages in as needed. It returns
// the number of bytes copied, which is less than len(src) only if an error
// is returned.
func (s *System) CopyOut(ctx context.Context, m *Map, addr hostarch.Addr, src []byte) (int, error) {
	return s.copy(ctx, m, addr, len(src), hostarch.Write, func(mem []byte, done int) int {
		return copy(mem, src[done:])
	})
}

// CopyIn copies from m at addr to dst, faulting pages in as needed. It
// returns the number of bytes copied, which is less than len(dst) only if an
// error is returned.
func (s *System) CopyIn(ctx context.Context, m *Map, addr hostarch.Addr, dst []byte) (int, error) {
	return s.copy(ctx, m, addr, len(dst), hostarch.Read, func(mem []byte, done int) int {
		return copy(dst[done:], mem)
	})
}

// copy runs fn over the memory backing [addr, addr+n) one page at a time.
func (s *System) copy(ctx context.Context, m *Map, addr hostarch.Addr, n int, at hostarch.AccessType, fn func(mem []byte, done int) int) (int, error) {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < n {
		mem, err := s.translate(ctx, m, addr+hostarch.Addr(done), at)
		if err != nil {
			return done, err
		}
		done += fn(mem, done)
	}
	return done, nil
}

// translate returns the memory from addr to the end of its page. If the page
// has no translation permitting at, the fault handler runs once and the
// lookup is retried.
func (s *System) translate(ctx context.Context, m *Map, addr hostarch.Addr, at hostarch.AccessType) ([]byte, error) {
	for faulted := false; ; faulted = true {
		pa, perms, ok := m.pt.Lookup(addr)
		if ok && perms.SupersetOf(at) {
			return s.physical(pa)
		}
		if faulted {
			// The handler installed a translation that still does not
			// permit the access.
			log.Warningf("translation of %v does not permit %v after fault", addr, at)
			return nil, linuxerr.EFAULT
		}
		if err := s.HandlePageFault(ctx, m, addr, at); err != nil {
			return nil, err
		}
	}
}

// physical returns the memory from pa to the end of its frame.
func (s *System) physical(pa uint64) ([]byte, error) {
	if !s.frames.Contains(pa) {
		// Physical windows outside the frame pool have no memory behind
		// them in this process.
		return nil, linuxerr.EFAULT
	}
	frame := pgalloc.Frame{Addr: hostarch.PageRoundDown(pa)}
	return s.frames.Slice(frame)[pa-frame.Addr:], nil
}
