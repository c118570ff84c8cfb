package dieselcore

import (
	"sync"

	"github.com/andewx/dieselcore/gpualloc"
	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
)

// MemoryRequest is what the allocator is asked for.
type MemoryRequest = gpualloc.Request

// MemoryBlock is an allocator-issued range of device memory.
type MemoryBlock = gpualloc.MemoryBlock

// UsageFlags is the intended use of a memory block.
type UsageFlags = gpualloc.UsageFlags

const (
	UsageFastDeviceAccess = gpualloc.UsageFastDeviceAccess
	UsageHostAccess       = gpualloc.UsageHostAccess
	UsageDownload         = gpualloc.UsageDownload
	UsageUpload           = gpualloc.UsageUpload
	UsageTransient        = gpualloc.UsageTransient
)

// RequestFromRequirements builds a request from what the device reported for
// a resource.
func RequestFromRequirements(req hal.MemoryRequirements, usage UsageFlags) MemoryRequest {
	return gpualloc.RequestFor(req, usage)
}

// lockedAllocator serializes access to the allocator. A panic raised while the
// lock is held poisons it: the free list may be half updated, so every later
// call fails with ErrAllocatorUnavailable.
type lockedAllocator struct {
	mu       sync.Mutex
	poisoned bool
	inner    *gpualloc.Allocator
	dev      hal.Memory
}

func newLockedAllocator(dev hal.Memory, inner *gpualloc.Allocator) *lockedAllocator {
	return &lockedAllocator{inner: inner, dev: dev}
}

// with runs fn inside the critical section.
func (a *lockedAllocator) with(fn func(*gpualloc.Allocator) error) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poisoned {
		return ErrAllocatorUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			a.poisoned = true
			panic(r)
		}
	}()
	return fn(a.inner)
}

func (a *lockedAllocator) allocate(req MemoryRequest) (*MemoryBlock, error) {
	var block *MemoryBlock
	err := a.with(func(inner *gpualloc.Allocator) error {
		var err error
		block, err = inner.Alloc(a.dev, req)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAllocatorUnavailable) {
			return nil, err
		}
		return nil, allocationError(err)
	}
	return block, nil
}

func (a *lockedAllocator) deallocate(block *MemoryBlock) error {
	return a.with(func(inner *gpualloc.Allocator) error {
		return inner.Dealloc(a.dev, block)
	})
}

func (a *lockedAllocator) mapBlock(block *MemoryBlock, offset, size uint64) ([]byte, error) {
	var data []byte
	err := a.with(func(inner *gpualloc.Allocator) error {
		var err error
		data, err = inner.Map(a.dev, block, offset, size)
		return err
	})
	return data, err
}

func (a *lockedAllocator) unmapBlock(block *MemoryBlock) error {
	return a.with(func(inner *gpualloc.Allocator) error {
		inner.Unmap(a.dev, block)
		return nil
	})
}

func (a *lockedAllocator) stats() (gpualloc.Stats, error) {
	var st gpualloc.Stats
	err := a.with(func(inner *gpualloc.Allocator) error {
		st = inner.Stats()
		return nil
	})
	return st, err
}

// cleanup releases all device memory. It runs even on a poisoned allocator.
func (a *lockedAllocator) cleanup() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner.Cleanup(a.dev)
}
