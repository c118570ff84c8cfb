// Package gpualloc sub-allocates device memory for images and buffers.
//
// Requests are matched to a memory type by their usage, large requests get a
// dedicated device allocation and everything else is carved out of shared
// chunks with a first-fit free list. An Allocator is not safe for concurrent
// use; callers serialize access to it.
package gpualloc

import (
	"github.com/andewx/dieselcore/hal"
	vk "github.com/vulkan-go/vulkan"
)

// UsageFlags describe how a block is going to be used.
type UsageFlags uint32

const (
	// UsageFastDeviceAccess prefers device local memory.
	UsageFastDeviceAccess UsageFlags = 1 << iota
	// UsageHostAccess requires host visible memory.
	UsageHostAccess
	// UsageDownload requires host access and prefers cached memory.
	UsageDownload
	// UsageUpload requires host access and prefers coherent memory.
	UsageUpload
	// UsageTransient allows lazily allocated memory.
	UsageTransient
)

func (u UsageFlags) host() bool {
	return u&(UsageHostAccess|UsageDownload|UsageUpload) != 0
}

// Request is a sized, aligned allocation restricted to a set of memory types.
type Request struct {
	Size uint64
	// AlignMask is alignment-1; the alignment is always a power of two.
	AlignMask   uint64
	Usage       UsageFlags
	MemoryTypes uint32
}

// RequestFor builds a request from a resource's memory requirements.
func RequestFor(req hal.MemoryRequirements, usage UsageFlags) Request {
	align := req.Alignment
	if align == 0 {
		align = 1
	}
	return Request{
		Size:        req.Size,
		AlignMask:   align - 1,
		Usage:       usage,
		MemoryTypes: req.MemoryTypeBits,
	}
}

const (
	deviceLocal  = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	hostVisible  = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
	hostCoherent = vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit)
	hostCached   = vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit)
	lazily       = vk.MemoryPropertyFlags(vk.MemoryPropertyLazilyAllocatedBit)
)

// typeCost ranks a memory type for usage. Lower is better.
func typeCost(flags vk.MemoryPropertyFlags, usage UsageFlags) (int, bool) {
	if usage.host() && flags&hostVisible == 0 {
		return 0, false
	}
	if flags&lazily != 0 && usage&UsageTransient == 0 {
		return 0, false
	}
	cost := 0
	if usage&UsageFastDeviceAccess != 0 && flags&deviceLocal == 0 {
		cost += 8
	}
	if usage&UsageFastDeviceAccess == 0 && usage.host() && flags&deviceLocal != 0 {
		cost++
	}
	if !usage.host() && flags&hostVisible != 0 {
		cost += 2
	}
	if usage&UsageUpload != 0 && flags&hostCoherent == 0 {
		cost += 2
	}
	if usage&UsageDownload != 0 && flags&hostCached == 0 {
		cost += 4
	}
	if usage&UsageDownload == 0 && flags&hostCached != 0 {
		cost++
	}
	if usage&UsageTransient != 0 && flags&lazily == 0 {
		cost++
	}
	return cost, true
}
