package gpualloc

import (
	"slices"
	"sort"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	vk "github.com/vulkan-go/vulkan"
)

var (
	ErrOutOfMemory            = errors.New("gpualloc: out of device memory")
	ErrNoCompatibleMemoryType = errors.New("gpualloc: no memory type satisfies the request")
	ErrTooManyObjects         = errors.New("gpualloc: device memory allocation limit reached")
	ErrNotHostVisible         = errors.New("gpualloc: block is not host visible")
)

// Config tunes chunk sizing.
type Config struct {
	// ChunkSize is the size of the device allocations blocks are carved from.
	ChunkSize uint64
	// DedicatedThreshold sends requests at least this large to their own
	// device allocation.
	DedicatedThreshold uint64
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:          64 << 20,
		DedicatedThreshold: 16 << 20,
	}
}

// Properties are the device facts the allocator plans with.
type Properties struct {
	MemoryTypes            []hal.MemoryType
	MemoryHeaps            []hal.MemoryHeap
	NonCoherentAtomSize    uint64
	BufferImageGranularity uint64
	MaxMemoryAllocations   uint32
}

func PropertiesOf(pd hal.PhysicalDevice) Properties {
	mem := pd.MemoryProperties()
	props := pd.Properties()
	return Properties{
		MemoryTypes:            mem.Types,
		MemoryHeaps:            mem.Heaps,
		NonCoherentAtomSize:    props.NonCoherentAtomSize,
		BufferImageGranularity: props.BufferImageGranularity,
		MaxMemoryAllocations:   props.MaxMemoryAllocations,
	}
}

type Allocator struct {
	cfg         Config
	props       Properties
	chunks      [][]*chunk
	dedicated   int
	allocations uint32
}

func New(cfg Config, props Properties) *Allocator {
	def := DefaultConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.DedicatedThreshold == 0 {
		cfg.DedicatedThreshold = min(def.DedicatedThreshold, cfg.ChunkSize)
	}
	return &Allocator{
		cfg:    cfg,
		props:  props,
		chunks: make([][]*chunk, len(props.MemoryTypes)),
	}
}

// candidates lists the memory types usable for req, best first.
func (a *Allocator) candidates(req Request) []uint32 {
	type ranked struct {
		index uint32
		cost  int
	}
	var out []ranked
	for i, t := range a.props.MemoryTypes {
		if req.MemoryTypes&(1<<uint(i)) == 0 {
			continue
		}
		if cost, ok := typeCost(t.Flags, req.Usage); ok {
			out = append(out, ranked{index: uint32(i), cost: cost})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].cost < out[j].cost })
	idx := make([]uint32, len(out))
	for i, r := range out {
		idx[i] = r.index
	}
	return idx
}

func (a *Allocator) alignment(req Request, memoryType uint32) uint64 {
	align := req.AlignMask + 1
	if g := a.props.BufferImageGranularity; g > align {
		align = g
	}
	flags := a.props.MemoryTypes[memoryType].Flags
	if flags&hostVisible != 0 && flags&hostCoherent == 0 && a.props.NonCoherentAtomSize > align {
		align = a.props.NonCoherentAtomSize
	}
	return align
}

// Alloc finds memory for req. The returned block must be handed back to
// Dealloc exactly once.
func (a *Allocator) Alloc(dev hal.Memory, req Request) (*MemoryBlock, error) {
	if req.Size == 0 {
		return nil, errors.AssertionFailedf("gpualloc: zero sized request")
	}
	if err := memutils.CheckPow2(uint(req.AlignMask+1), "Request.AlignMask+1"); err != nil {
		return nil, errors.Wrap(err, "gpualloc: invalid alignment")
	}
	types := a.candidates(req)
	if len(types) == 0 {
		return nil, errors.Wrapf(ErrNoCompatibleMemoryType, "usage %#x, type mask %#b", req.Usage, req.MemoryTypes)
	}
	var last error
	for _, t := range types {
		block, err := a.allocFrom(dev, req, t)
		if err == nil {
			return block, nil
		}
		if !errors.Is(err, ErrOutOfMemory) {
			return nil, err
		}
		last = err
	}
	return nil, last
}

func (a *Allocator) allocFrom(dev hal.Memory, req Request, memoryType uint32) (*MemoryBlock, error) {
	flags := a.props.MemoryTypes[memoryType].Flags
	size := req.Size
	if flags&hostVisible != 0 && flags&hostCoherent == 0 && a.props.NonCoherentAtomSize > 1 {
		size = uint64(memutils.AlignUp(int(size), uint(a.props.NonCoherentAtomSize)))
	}
	// rounding to the atom size can push a request past the chunk size
	if req.Size >= a.cfg.DedicatedThreshold || size > a.cfg.ChunkSize {
		mem, err := a.deviceAlloc(dev, size, memoryType)
		if err != nil {
			return nil, err
		}
		a.dedicated++
		return &MemoryBlock{memory: mem, memoryType: memoryType, flags: flags, size: size}, nil
	}

	align := a.alignment(req, memoryType)
	for _, c := range a.chunks[memoryType] {
		if offset, ok := c.carve(size, align); ok {
			return &MemoryBlock{memory: c.memory, memoryType: memoryType, flags: flags, offset: offset, size: size, chunk: c}, nil
		}
	}
	mem, err := a.deviceAlloc(dev, a.cfg.ChunkSize, memoryType)
	if err != nil {
		return nil, err
	}
	c := newChunk(mem, memoryType, a.cfg.ChunkSize)
	offset, ok := c.carve(size, align)
	if !ok {
		a.deviceFree(dev, mem)
		return nil, errors.AssertionFailedf("gpualloc: %d bytes aligned to %d do not fit a fresh %d byte chunk", size, align, a.cfg.ChunkSize)
	}
	a.chunks[memoryType] = append(a.chunks[memoryType], c)
	return &MemoryBlock{memory: mem, memoryType: memoryType, flags: flags, offset: offset, size: size, chunk: c}, nil
}

func (a *Allocator) deviceAlloc(dev hal.Memory, size uint64, memoryType uint32) (hal.DeviceMemory, error) {
	if limit := a.props.MaxMemoryAllocations; limit > 0 && a.allocations >= limit {
		return 0, ErrTooManyObjects
	}
	mem, res := dev.AllocateMemory(size, memoryType)
	switch res {
	case vk.Success:
		a.allocations++
		return mem, nil
	case vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfHostMemory:
		return 0, outOfMemory{errors.Wrapf(hal.Check("vkAllocateMemory", res), "%d bytes of type %d", size, memoryType)}
	default:
		return 0, hal.Check("vkAllocateMemory", res)
	}
}

// outOfMemory is a failed device allocation. It matches ErrOutOfMemory and
// unwraps to the native error.
type outOfMemory struct{ error }

func (e outOfMemory) Unwrap() error        { return e.error }
func (e outOfMemory) Is(target error) bool { return target == ErrOutOfMemory }

func (a *Allocator) deviceFree(dev hal.Memory, mem hal.DeviceMemory) {
	dev.FreeMemory(mem)
	a.allocations--
}

// Dealloc returns block to the allocator. Chunks left empty are released to
// the device.
func (a *Allocator) Dealloc(dev hal.Memory, block *MemoryBlock) error {
	if block == nil {
		return errors.AssertionFailedf("gpualloc: nil block")
	}
	if block.released {
		return errors.AssertionFailedf("gpualloc: block %s+%d released twice", block.memory, block.offset)
	}
	c := block.chunk
	if c == nil {
		if block.mapped {
			block.mapped = false
			dev.UnmapMemory(block.memory)
		}
		a.deviceFree(dev, block.memory)
		a.dedicated--
		block.released = true
		return nil
	}
	if !slices.Contains(a.chunks[block.memoryType], c) {
		return errors.AssertionFailedf("gpualloc: block %s does not belong to this allocator", block.memory)
	}
	if block.mapped {
		block.mapped = false
		a.unmapChunk(dev, c)
	}
	c.release(block.offset, block.size)
	block.released = true
	if c.empty() {
		a.chunks[block.memoryType] = slices.DeleteFunc(a.chunks[block.memoryType], func(x *chunk) bool { return x == c })
		a.deviceFree(dev, c.memory)
	}
	return nil
}

// Map returns host access to size bytes at offset within block.
func (a *Allocator) Map(dev hal.Memory, block *MemoryBlock, offset, size uint64) ([]byte, error) {
	if block.released {
		return nil, errors.AssertionFailedf("gpualloc: map of released block")
	}
	if block.flags&hostVisible == 0 {
		return nil, ErrNotHostVisible
	}
	if block.mapped {
		return nil, errors.AssertionFailedf("gpualloc: block already mapped")
	}
	if offset+size > block.size {
		return nil, errors.AssertionFailedf("gpualloc: map range [%d, %d) exceeds block of %d bytes", offset, offset+size, block.size)
	}
	if block.chunk == nil {
		data, res := dev.MapMemory(block.memory, offset, size)
		if err := hal.Check("vkMapMemory", res); err != nil {
			return nil, err
		}
		block.mapped = true
		return data, nil
	}
	c := block.chunk
	if c.mapCount == 0 {
		data, res := dev.MapMemory(c.memory, 0, c.size)
		if err := hal.Check("vkMapMemory", res); err != nil {
			return nil, err
		}
		c.mapped = data
	}
	c.mapCount++
	block.mapped = true
	start := block.offset + offset
	return c.mapped[start : start+size : start+size], nil
}

// Unmap ends host access to block.
func (a *Allocator) Unmap(dev hal.Memory, block *MemoryBlock) {
	if !block.mapped {
		return
	}
	block.mapped = false
	if block.chunk == nil {
		dev.UnmapMemory(block.memory)
		return
	}
	a.unmapChunk(dev, block.chunk)
}

func (a *Allocator) unmapChunk(dev hal.Memory, c *chunk) {
	c.mapCount--
	if c.mapCount == 0 {
		dev.UnmapMemory(c.memory)
		c.mapped = nil
	}
}

// Cleanup releases every chunk regardless of outstanding blocks. It is only
// meant for device teardown.
func (a *Allocator) Cleanup(dev hal.Memory) (leaked int) {
	for t, chunks := range a.chunks {
		for _, c := range chunks {
			leaked += c.blocks
			if c.mapCount > 0 {
				dev.UnmapMemory(c.memory)
			}
			a.deviceFree(dev, c.memory)
		}
		a.chunks[t] = nil
	}
	return leaked + a.dedicated
}
