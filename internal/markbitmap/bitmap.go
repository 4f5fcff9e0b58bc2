// Package markbitmap holds one liveness bit per heap word.
package markbitmap

import "sync/atomic"

const (
	wordSize  = 8
	bitsShift = 6
	bitsMask  = 1<<bitsShift - 1
)

// Bitmap covers [base, end) at word granularity. Only the bit for an object's
// first word is ever set.
type Bitmap struct {
	base  uint64
	end   uint64
	words []atomic.Uint64
}

func New(base, end uint64) *Bitmap {
	nbits := (end - base) / wordSize
	return &Bitmap{
		base:  base,
		end:   end,
		words: make([]atomic.Uint64, (nbits+bitsMask)>>bitsShift),
	}
}

//go:inline
func (b *Bitmap) bitIndex(addr uint64) uint64 {
	return (addr - b.base) / wordSize
}

func (b *Bitmap) Covers(addr uint64) bool {
	return addr >= b.base && addr < b.end
}

// Mark sets the bit for addr and reports whether this call set it. Exactly one
// of any number of concurrent callers for the same address observes true.
func (b *Bitmap) Mark(addr uint64) bool {
	idx := b.bitIndex(addr)
	mask := uint64(1) << (idx & bitsMask)
	old := b.words[idx>>bitsShift].Or(mask)
	return old&mask == 0
}

func (b *Bitmap) IsMarked(addr uint64) bool {
	idx := b.bitIndex(addr)
	return b.words[idx>>bitsShift].Load()&(uint64(1)<<(idx&bitsMask)) != 0
}

// ClearRange clears every bit in [start, end). Not safe against concurrent Mark
// on the same range.
func (b *Bitmap) ClearRange(start, end uint64) {
	lo, hi := b.bitIndex(start), b.bitIndex(end)
	for lo < hi {
		w := lo >> bitsShift
		off := lo & bitsMask
		if off == 0 && hi-lo >= 64 {
			b.words[w].Store(0)
			lo += 64
			continue
		}
		n := min(64-off, hi-lo)
		mask := (^uint64(0) >> (64 - n)) << off
		b.words[w].And(^mask)
		lo += n
	}
}
