// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"
	"unsafe"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAllocator(t *testing.T) {
	allocator := NewPoolAllocator(0)
	for _, alignment := range []int{1, 16, 64, 256} {
		allocation := must.M1(allocator.Allocate(100, alignment))
		assert.Equal(t, 100, allocation.Size())
		address := uintptr(unsafe.Pointer(unsafe.SliceData(allocation.Bytes())))
		assert.Zero(t, address%uintptr(max(alignment, DefaultAlignment)), "alignment=%d", alignment)
		allocator.Release(allocation)
	}
	stats := allocator.Stats()
	assert.Equal(t, 0, stats.LiveAllocations)
	assert.Equal(t, 0, stats.LiveBytes)
	assert.Equal(t, 4, stats.NumAllocations)
	assert.Equal(t, 4, stats.NumReleases)
	assert.Positive(t, stats.PeakBytes)

	// Releasing twice is a bug of the caller.
	allocation := must.M1(allocator.Allocate(8, 0))
	allocator.Release(allocation)
	require.Panics(t, func() { allocator.Release(allocation) })

	// Arena slices are not owned by the allocator.
	arena := must.M1(allocator.Allocate(64, 0))
	require.Panics(t, func() { allocator.Release(arena.slice(0, 16)) })
	allocator.Release(arena)
}

func TestPoolAllocatorLimit(t *testing.T) {
	allocator := NewPoolAllocator(1024)
	first := must.M1(allocator.Allocate(512, 0))
	_, err := allocator.Allocate(1024, 0)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, allocator.Stats().LiveAllocations, "a failed allocation changes nothing")
	allocator.Release(first)
	second := must.M1(allocator.Allocate(900, 0))
	allocator.Release(second)
}
