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

// Package memmap defines the backing objects of memory mappings and the
// pagers that populate them.
//
// Every mapping owns exactly one Object. The Object records which of its
// pages are resident and which Pager produces frames for the pages that are
// not.
package memmap

import (
	"context"
	"fmt"

	"vmmap.dev/vmmap/pkg/hostarch"
	"vmmap.dev/vmmap/pkg/sentry/pgalloc"
)

// Object is the backing store of a single mapping. Offsets are relative to
// the start of the mapping and are page aligned.
//
// An Object is exclusively owned by one mapping. Object methods are not
// synchronized; the owner serializes access.
type Object interface {
	// Size returns the number of bytes backed by the object.
	Size() uint64

	// FindResidentPage returns the frame holding the page at offset, if that
	// page is resident.
	FindResidentPage(offset uint64) (pgalloc.Frame, bool)

	// Pager returns the pager that produces pages for this object.
	Pager() Pager

	// Split truncates the object to [0, offset) and returns a new object
	// owning [offset, Size()). Resident pages move with the range they back.
	//
	// Preconditions: offset is page aligned and 0 < offset < Size().
	Split(offset uint64) (Object, error)

	// Destroy releases every resource held by the object. It must be called
	// exactly once.
	Destroy()

	// Dump returns a one line summary of the object.
	Dump() string
}

// Pager produces frames for the non-resident pages of objects it created.
type Pager interface {
	// Name identifies the pager in dumps and logs.
	Name() string

	// NewObject returns a new object of the given size.
	NewObject(size uint64) (Object, error)

	// Fault makes the page at offset of obj resident and returns its frame.
	// addr is the page-aligned virtual address being faulted and at is the
	// faulting access.
	//
	// Preconditions: obj was created by this pager. offset < obj.Size().
	Fault(ctx context.Context, obj Object, addr hostarch.Addr, offset uint64, at hostarch.AccessType) (pgalloc.Frame, error)
}

// PhysRange represents a range of physical addresses.
type PhysRange struct {
	Start uint64
	End   uint64
}

// WellFormed returns true if r.Start <= r.End.
func (r PhysRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r PhysRange) Length() uint64 {
	return r.End - r.Start
}

// Contains returns true if r contains x.
func (r PhysRange) Contains(x uint64) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r PhysRange) Overlaps(r2 PhysRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsPageAligned returns true if both ends of r are page aligned.
func (r PhysRange) IsPageAligned() bool {
	return hostarch.Addr(r.Start).IsPageAligned() && hostarch.Addr(r.End).IsPageAligned()
}

// String implements fmt.Stringer.String.
func (r PhysRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// checkSplit panics if offset is not a valid split point of an object of the
// given size.
func checkSplit(offset, size uint64) {
	if !hostarch.Addr(offset).IsPageAligned() || offset == 0 || offset >= size {
		panic(fmt.Sprintf("invalid split at %#x of object of size %#x", offset, size))
	}
}
