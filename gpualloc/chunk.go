package gpualloc

import (
	"github.com/andewx/dieselcore/hal"
	"github.com/vkngwrapper/arsenal/memutils"
)

// Span is a byte range inside a device memory allocation.
type Span struct {
	Offset uint64
	Size   uint64
}

func (s Span) end() uint64 { return s.Offset + s.Size }

// chunk is one device memory allocation shared by many blocks. free is kept
// sorted by offset and never holds two adjacent spans.
type chunk struct {
	memory     hal.DeviceMemory
	memoryType uint32
	size       uint64
	used       uint64
	blocks     int
	free       []Span

	mapped   []byte
	mapCount int
}

func newChunk(mem hal.DeviceMemory, memoryType uint32, size uint64) *chunk {
	return &chunk{
		memory:     mem,
		memoryType: memoryType,
		size:       size,
		free:       []Span{{Offset: 0, Size: size}},
	}
}

// carve takes the first free span able to hold size bytes at align.
func (c *chunk) carve(size, align uint64) (uint64, bool) {
	for i, s := range c.free {
		offset := uint64(memutils.AlignUp(int(s.Offset), uint(align)))
		if offset+size > s.end() {
			continue
		}
		var rest []Span
		if offset > s.Offset {
			rest = append(rest, Span{Offset: s.Offset, Size: offset - s.Offset})
		}
		if tail := s.end() - (offset + size); tail > 0 {
			rest = append(rest, Span{Offset: offset + size, Size: tail})
		}
		c.free = append(c.free[:i], append(rest, c.free[i+1:]...)...)
		c.used += size
		c.blocks++
		return offset, true
	}
	return 0, false
}

// release returns [offset, offset+size) to the free list, merging neighbours.
func (c *chunk) release(offset, size uint64) {
	s := Span{Offset: offset, Size: size}
	i := 0
	for i < len(c.free) && c.free[i].Offset < offset {
		i++
	}
	if i > 0 && c.free[i-1].end() == s.Offset {
		i--
		s = Span{Offset: c.free[i].Offset, Size: c.free[i].Size + s.Size}
		c.free = append(c.free[:i], c.free[i+1:]...)
	}
	if i < len(c.free) && s.end() == c.free[i].Offset {
		s.Size += c.free[i].Size
		c.free = append(c.free[:i], c.free[i+1:]...)
	}
	c.free = append(c.free, Span{})
	copy(c.free[i+1:], c.free[i:])
	c.free[i] = s
	c.used -= size
	c.blocks--
}

func (c *chunk) empty() bool { return c.blocks == 0 }
