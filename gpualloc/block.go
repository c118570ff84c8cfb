package gpualloc

import (
	"github.com/andewx/dieselcore/hal"
	vk "github.com/vulkan-go/vulkan"
)

// MemoryBlock is a range of device memory owned by one resource.
type MemoryBlock struct {
	memory     hal.DeviceMemory
	memoryType uint32
	flags      vk.MemoryPropertyFlags
	offset     uint64
	size       uint64
	chunk      *chunk
	mapped     bool
	released   bool
}

func (b *MemoryBlock) Memory() hal.DeviceMemory      { return b.memory }
func (b *MemoryBlock) Offset() uint64                { return b.offset }
func (b *MemoryBlock) Size() uint64                  { return b.size }
func (b *MemoryBlock) MemoryType() uint32            { return b.memoryType }
func (b *MemoryBlock) Flags() vk.MemoryPropertyFlags { return b.flags }
func (b *MemoryBlock) Dedicated() bool               { return b.chunk == nil }

// ChunkStats describes one shared device allocation.
type ChunkStats struct {
	MemoryType uint32
	Size       uint64
	Used       uint64
	Blocks     int
	Free       []Span
}

type Stats struct {
	DeviceAllocations int
	Dedicated         int
	Chunks            []ChunkStats
}

// Stats snapshots the allocator's bookkeeping.
func (a *Allocator) Stats() Stats {
	st := Stats{DeviceAllocations: int(a.allocations), Dedicated: a.dedicated}
	for t, chunks := range a.chunks {
		for _, c := range chunks {
			st.Chunks = append(st.Chunks, ChunkStats{
				MemoryType: uint32(t),
				Size:       c.size,
				Used:       c.used,
				Blocks:     c.blocks,
				Free:       append([]Span(nil), c.free...),
			})
		}
	}
	return st
}
