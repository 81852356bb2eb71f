// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient fixed-size bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of bits in the bitmap.
	size uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries. Bits at or beyond size
	// are always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap of size bits.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic(fmt.Sprintf("requested bitmap size %d too large", size))
	}
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

func (b *Bitmap) checkIndex(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range for bitmap of size %d", i, b.size))
	}
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	b.checkIndex(i)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			if r := uint32(bits.TrailingZeros64(^w) + i*64); r < b.size {
				return r, nil
			}
			break
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit from the range [start, size).
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != uint64(0) {
			r := bits.TrailingZeros64(w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// FirstZeroRun returns the first bit of the lowest run of count consecutive
// unset bits.
func (b *Bitmap) FirstZeroRun(count uint32) (bit uint32, err error) {
	if count == 0 {
		return MaxBitEntryLimit, fmt.Errorf("empty run")
	}
	for start := uint32(0); start < b.size; {
		zero, err := b.FirstZero(start)
		if err != nil {
			break
		}
		one, err := b.FirstOne(zero)
		if err != nil {
			one = b.size
		}
		if one-zero >= count {
			return zero, nil
		}
		start = one
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no run of %d unset bits", count)
}

// forEachBlock calls fn with the index and in-range mask of every block
// overlapping [begin, end).
func forEachBlock(begin, end uint32, fn func(block uint32, mask uint64)) {
	for begin < end {
		block := begin / 64
		mask := ^uint64(0) << (begin % 64)
		if next := (block + 1) * 64; end < next {
			mask &= (uint64(1) << (end % 64)) - 1
		}
		fn(block, mask)
		begin = (block + 1) * 64
	}
}

func (b *Bitmap) checkRange(begin, end uint32) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("range [%d, %d) out of range for bitmap of size %d", begin, end, b.size))
	}
}

// SetRange sets bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	b.checkRange(begin, end)
	forEachBlock(begin, end, func(block uint32, mask uint64) {
		b.numOnes += uint32(bits.OnesCount64(mask &^ b.bitBlock[block]))
		b.bitBlock[block] |= mask
	})
}

// ClearRange clears bits within range (begin and end) for the Bitmap. begin
// is inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	b.checkRange(begin, end)
	forEachBlock(begin, end, func(block uint32, mask uint64) {
		b.numOnes -= uint32(bits.OnesCount64(mask & b.bitBlock[block]))
		b.bitBlock[block] &^= mask
	})
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			// Interpret the bit as the in32 number it represents and add it to result.
			bitmapSlice = append(bitmapSlice, uint32((base + int(bits.OnesCount64(j-1)))))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}
