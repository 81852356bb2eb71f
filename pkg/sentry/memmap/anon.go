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

	"github.com/google/btree"
	"vmmap.dev/vmmap/pkg/errors/linuxerr"
	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/metric"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
)

var anonPagesFaulted = metric.MustCreateNewUint64Metric("/vm/anon_pages_faulted", "Number of zero-filled pages made resident by the anonymous pager.")

// residentPage is a resident page of an AnonObject.
type residentPage struct {
	offset uint64
	frame  pgalloc.Frame
}

func residentLess(a, b residentPage) bool {
	return a.offset < b.offset
}

// residentDegree is the B-tree degree of resident page indexes.
const residentDegree = 8

// AnonPager is the default pager. It backs objects with zero-filled frames
// allocated on first touch.
type AnonPager struct {
	pool *pgalloc.FramePool
}

var _ Pager = (*AnonPager)(nil)

// NewAnonPager returns a pager that allocates frames from pool.
func NewAnonPager(pool *pgalloc.FramePool) *AnonPager {
	return &AnonPager{pool: pool}
}

// Name implements Pager.Name.
func (*AnonPager) Name() string {
	return "anon"
}

// NewObject implements Pager.NewObject.
func (p *AnonPager) NewObject(size uint64) (Object, error) {
	if size == 0 || !hostarch.Addr(size).IsPageAligned() {
		return nil, fmt.Errorf("anonymous object of size %#x: %w", size, linuxerr.EINVAL)
	}
	return p.newObject(size), nil
}

func (p *AnonPager) newObject(size uint64) *AnonObject {
	return &AnonObject{
		pager:    p,
		size:     size,
		resident: btree.NewG(residentDegree, residentLess),
	}
}

// Fault implements Pager.Fault.
func (p *AnonPager) Fault(ctx context.Context, obj Object, addr hostarch.Addr, offset uint64, at hostarch.AccessType) (pgalloc.Frame, error) {
	o, ok := obj.(*AnonObject)
	if !ok || o.pager != p {
		panic(fmt.Sprintf("anonymous pager asked to fault foreign object %s", obj.Dump()))
	}
	if offset >= o.size {
		return pgalloc.Frame{}, fmt.Errorf("offset %#x beyond object size %#x: %w", offset, o.size, linuxerr.ERANGE)
	}
	if f, ok := o.FindResidentPage(offset); ok {
		return f, nil
	}
	f, err := p.pool.Allocate()
	if err != nil {
		return pgalloc.Frame{}, err
	}
	p.pool.Zero(f)
	o.resident.ReplaceOrInsert(residentPage{offset: offset, frame: f})
	anonPagesFaulted.Increment()
	log.Debugf("anon: %v offset %#x (%v) -> %v", addr, offset, at, f)
	return f, nil
}

// AnonObject is an object backed by zero-filled frames.
type AnonObject struct {
	pager *AnonPager
	size  uint64

	// resident indexes resident pages by offset.
	resident *btree.BTreeG[residentPage]

	destroyed bool
}

var _ Object = (*AnonObject)(nil)

// Size implements Object.Size.
func (o *AnonObject) Size() uint64 {
	return o.size
}

// Resident returns the number of resident pages.
func (o *AnonObject) Resident() int {
	return o.resident.Len()
}

// FindResidentPage implements Object.FindResidentPage.
func (o *AnonObject) FindResidentPage(offset uint64) (pgalloc.Frame, bool) {
	rp, ok := o.resident.Get(residentPage{offset: offset})
	return rp.frame, ok
}

// Pager implements Object.Pager.
func (o *AnonObject) Pager() Pager {
	return o.pager
}

// Split implements Object.Split.
func (o *AnonObject) Split(offset uint64) (Object, error) {
	checkSplit(offset, o.size)
	tail := o.pager.newObject(o.size - offset)
	var moved []residentPage
	o.resident.AscendGreaterOrEqual(residentPage{offset: offset}, func(rp residentPage) bool {
		moved = append(moved, rp)
		return true
	})
	for _, rp := range moved {
		o.resident.Delete(rp)
		tail.resident.ReplaceOrInsert(residentPage{offset: rp.offset - offset, frame: rp.frame})
	}
	o.size = offset
	return tail, nil
}

// Destroy implements Object.Destroy. Resident frames are returned to the
// pool.
func (o *AnonObject) Destroy() {
	if o.destroyed {
		panic(fmt.Sprintf("anonymous object %p destroyed twice", o))
	}
	o.destroyed = true
	o.resident.Ascend(func(rp residentPage) bool {
		o.pager.pool.Free(rp.frame)
		return true
	})
	o.resident.Clear(false)
}

// Dump implements Object.Dump.
func (o *AnonObject) Dump() string {
	return fmt.Sprintf("anon size=%#x resident=%d", o.size, o.resident.Len())
}
