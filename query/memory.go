package query

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/atomic"
)

const PanicMemoryLimit = "memory limit exceeded"

var _ memory.Allocator = (*LimitAllocator)(nil)

// LimitAllocator is a wrapper around a memory.Allocator that panics if the memory usage exceeds the defined limit.
// It also remembers the highest usage it has seen.
type LimitAllocator struct {
	limit     int64
	allocated *atomic.Int64
	peak      *atomic.Int64
	allocator memory.Allocator
}

func NewLimitAllocator(limit int64, allocator memory.Allocator) *LimitAllocator {
	return &LimitAllocator{
		limit:     limit,
		allocated: atomic.NewInt64(0),
		peak:      atomic.NewInt64(0),
		allocator: allocator,
	}
}

func (a *LimitAllocator) Allocate(size int) []byte {
	a.add(int64(size))
	return a.allocator.Allocate(size)
}

func (a *LimitAllocator) Reallocate(size int, b []byte) []byte {
	if len(b) == size {
		return b
	}

	a.add(int64(size - len(b)))
	return a.allocator.Reallocate(size, b)
}

func (a *LimitAllocator) Free(b []byte) {
	a.allocated.Sub(int64(len(b)))
	a.allocator.Free(b)
}

func (a *LimitAllocator) add(size int64) {
	allocated := a.allocated.Add(size)
	if allocated > a.limit {
		a.allocated.Sub(size)
		panic(PanicMemoryLimit)
	}
	for {
		peak := a.peak.Load()
		if allocated <= peak || a.peak.CompareAndSwap(peak, allocated) {
			return
		}
	}
}

func (a *LimitAllocator) Allocated() int {
	return int(a.allocated.Load())
}

// Peak returns the highest number of bytes allocated at once.
func (a *LimitAllocator) Peak() int {
	return int(a.peak.Load())
}
