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

package memmap

import (
	"context"
	"fmt"

	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
)

// PhysPager backs objects with a fixed window of physical memory, such as a
// device aperture. Every page of its objects is always resident; nothing is
// allocated or freed.
type PhysPager struct {
	window PhysRange
}

var _ Pager = (*PhysPager)(nil)

// NewPhysPager returns a pager over the physical window w.
func NewPhysPager(w PhysRange) (*PhysPager, error) {
	if w.Length() == 0 || !w.WellFormed() || !w.IsPageAligned() {
		return nil, fmt.Errorf("physical window %v: %w", w, linuxerr.EINVAL)
	}
	return &PhysPager{window: w}, nil
}

// Name implements Pager.Name.
func (*PhysPager) Name() string {
	return "phys"
}

// Window returns the physical window.
func (p *PhysPager) Window() PhysRange {
	return p.window
}

// NewObject implements Pager.NewObject. The object maps the start of the
// window.
func (p *PhysPager) NewObject(size uint64) (Object, error) {
	return p.NewObjectAt(0, size)
}

// NewObjectAt returns an object mapping size bytes of the window starting
// off bytes into it.
func (p *PhysPager) NewObjectAt(off, size uint64) (Object, error) {
	end := off + size
	if size == 0 || end < off || end > p.window.Length() || !hostarch.Addr(off).IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
		return nil, fmt.Errorf("physical object [%#x, %#x) outside window %v: %w", off, end, p.window, linuxerr.EINVAL)
	}
	return &PhysObject{
		pager: p,
		phys:  PhysRange{Start: p.window.Start + off, End: p.window.Start + end},
	}, nil
}

// Fault implements Pager.Fault.
func (p *PhysPager) Fault(ctx context.Context, obj Object, addr hostarch.Addr, offset uint64, at hostarch.AccessType) (pgalloc.Frame, error) {
	o, ok := obj.(*PhysObject)
	if !ok || o.pager != p {
		panic(fmt.Sprintf("physical pager asked to fault foreign object %s", obj.Dump()))
	}
	f, ok := o.FindResidentPage(offset)
	if !ok {
		return pgalloc.Frame{}, fmt.Errorf("offset %#x beyond %v: %w", offset, o.phys, linuxerr.ERANGE)
	}
	return f, nil
}

// PhysObject is an object mapping a fixed physical range.
type PhysObject struct {
	pager     *PhysPager
	phys      PhysRange
	destroyed bool
}

var _ Object = (*PhysObject)(nil)

// Size implements Object.Size.
func (o *PhysObject) Size() uint64 {
	return o.phys.Length()
}

// FindResidentPage implements Object.FindResidentPage.
func (o *PhysObject) FindResidentPage(offset uint64) (pgalloc.Frame, bool) {
	if offset >= o.phys.Length() {
		return pgalloc.Frame{}, false
	}
	return pgalloc.Frame{Addr: o.phys.Start + hostarch.PageRoundDown(offset)}, true
}

// Pager implements Object.Pager.
func (o *PhysObject) Pager() Pager {
	return o.pager
}

// Split implements Object.Split.
func (o *PhysObject) Split(offset uint64) (Object, error) {
	checkSplit(offset, o.Size())
	tail := &PhysObject{
		pager: o.pager,
		phys:  PhysRange{Start: o.phys.Start + offset, End: o.phys.End},
	}
	o.phys.End = o.phys.Start + offset
	return tail, nil
}

// Destroy implements Object.Destroy.
func (o *PhysObject) Destroy() {
	if o.destroyed {
		panic(fmt.Sprintf("physical object %v destroyed twice", o.phys))
	}
	o.destroyed = true
}

// Dump implements Object.Dump.
func (o *PhysObject) Dump() string {
	return fmt.Sprintf("phys %v", o.phys)
}
