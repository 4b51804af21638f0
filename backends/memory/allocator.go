// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned when an allocation would exceed the allocator limit.
var ErrOutOfMemory = errors.New("out of memory")

// DefaultAlignment of allocations, in bytes. It is enough for any element type.
const DefaultAlignment = 16

// Allocation is a contiguous block of bytes handed out by an Allocator, or a slice of an arena.
type Allocation struct {
	data     []byte
	capacity int // Pool class of backing, 0 for arena slices.
	backing  *[]uint64
	released bool
}

// Bytes returns the allocated bytes.
func (a *Allocation) Bytes() []byte { return a.data }

// Size returns the number of usable bytes.
func (a *Allocation) Size() int { return len(a.data) }

// slice returns an Allocation viewing bytes [offset, offset+size) of a.
// The returned Allocation is never released on its own: it lives as long as a.
func (a *Allocation) slice(offset, size int) *Allocation {
	return &Allocation{data: a.data[offset : offset+size : offset+size]}
}

// AllocatorStats is a snapshot of an Allocator counters.
type AllocatorStats struct {
	LiveAllocations int
	LiveBytes       int
	PeakBytes       int
	NumAllocations  int
	NumReleases     int
}

// Allocator hands out blocks of memory to the tensor managers.
//
// Release must be called exactly once per allocation: releasing twice is a bug in the caller
// and panics.
type Allocator interface {
	Allocate(size, alignment int) (*Allocation, error)
	Release(allocation *Allocation)
	Stats() AllocatorStats
}

// PoolAllocator is an Allocator that recycles released blocks of the same capacity class
// with sync.Pool, and optionally enforces a limit on the number of live bytes.
//
// It is safe for concurrent use.
type PoolAllocator struct {
	limit int

	// pools maps capacity class (in bytes) to a *sync.Pool of *[]uint64 backing slices.
	pools sync.Map

	mu    sync.Mutex
	stats AllocatorStats
}

var _ Allocator = (*PoolAllocator)(nil)

// NewPoolAllocator creates a PoolAllocator. If limit > 0, allocations that would take the live
// bytes above limit fail with ErrOutOfMemory.
func NewPoolAllocator(limit int) *PoolAllocator {
	return &PoolAllocator{limit: limit}
}

// Limit returns the configured limit of live bytes, 0 if unlimited.
func (p *PoolAllocator) Limit() int { return p.limit }

func (p *PoolAllocator) getPool(capacity int) *sync.Pool {
	pool, ok := p.pools.Load(capacity)
	if !ok {
		pool, _ = p.pools.LoadOrStore(capacity, &sync.Pool{
			New: func() any {
				backing := make([]uint64, capacity/8)
				return &backing
			},
		})
	}
	return pool.(*sync.Pool)
}

// capacityClass rounds the bytes needed for size with the worst case alignment padding up to
// a multiple of 64, so slightly different sizes share pools.
func capacityClass(size, alignment int) int {
	needed := size + alignment
	return (needed + 63) &^ 63
}

func alignUp(offset, alignment int) int {
	if alignment <= 1 {
		return offset
	}
	return (offset + alignment - 1) / alignment * alignment
}

// Allocate returns a block of size bytes whose address is a multiple of alignment.
func (p *PoolAllocator) Allocate(size, alignment int) (*Allocation, error) {
	if size < 0 {
		exceptions.Panicf("PoolAllocator.Allocate(%d): negative size", size)
	}
	if alignment < DefaultAlignment {
		alignment = DefaultAlignment
	}
	capacity := capacityClass(size, alignment)

	p.mu.Lock()
	if p.limit > 0 && p.stats.LiveBytes+capacity > p.limit {
		live := p.stats.LiveBytes
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %s with %s live (limit %s)",
			humanize.IBytes(uint64(capacity)), humanize.IBytes(uint64(live)), humanize.IBytes(uint64(p.limit)))
	}
	p.stats.LiveAllocations++
	p.stats.LiveBytes += capacity
	p.stats.PeakBytes = max(p.stats.PeakBytes, p.stats.LiveBytes)
	p.stats.NumAllocations++
	p.mu.Unlock()

	backing := p.getPool(capacity).Get().(*[]uint64)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(*backing))), len(*backing)*8)
	address := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))))
	offset := alignUp(address, alignment) - address
	return &Allocation{
		data:     raw[offset : offset+size : offset+size],
		capacity: capacity,
		backing:  backing,
	}, nil
}

// Release returns the allocation to its pool. After this the allocation bytes must not be used.
func (p *PoolAllocator) Release(allocation *Allocation) {
	if allocation == nil {
		return
	}
	if allocation.released {
		exceptions.Panicf("PoolAllocator.Release: allocation of %d bytes released twice", len(allocation.data))
	}
	if allocation.backing == nil {
		exceptions.Panicf("PoolAllocator.Release: allocation of %d bytes was not created by a PoolAllocator", len(allocation.data))
	}
	allocation.released = true
	p.getPool(allocation.capacity).Put(allocation.backing)
	allocation.backing = nil
	allocation.data = nil

	p.mu.Lock()
	p.stats.LiveAllocations--
	p.stats.LiveBytes -= allocation.capacity
	p.stats.NumReleases++
	p.mu.Unlock()
}

// Stats returns a snapshot of the allocator counters.
func (p *PoolAllocator) Stats() AllocatorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
