package dieselcore

import (
	"fmt"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
)

// CommandRing keeps one command pool and one primary command buffer per frame
// slot. The pool of a slot is reset when the slot comes around again, so its
// buffer can be recorded anew every frame.
// The ring is not thread-safe; rendering from several threads needs a ring
// per thread.
type CommandRing struct {
	core    *Core
	family  uint32
	pools   []hal.CommandPool
	buffers []hal.CommandBuffer
}

// NewCommandRing creates n pools on the queue family. n is usually the
// FrameSync length.
func NewCommandRing(core *Core, family uint32, n int) (_ *CommandRing, err error) {
	if n <= 0 {
		return nil, errors.AssertionFailedf("dieselcore: command ring of %d slots", n)
	}
	dev := core.Device()
	r := &CommandRing{family: family}
	defer func() {
		if err != nil {
			r.destroyPools(dev)
		}
	}()
	for i := 0; i < n; i++ {
		pool, res := dev.CreateCommandPool(family)
		if err := checkResult("vkCreateCommandPool", res); err != nil {
			return nil, err
		}
		r.pools = append(r.pools, pool)
		bufs, res := dev.AllocateCommandBuffers(pool, 1)
		if err := checkResult("vkAllocateCommandBuffers", res); err != nil {
			return nil, err
		}
		r.buffers = append(r.buffers, bufs[0])
	}
	r.core = core.Retain()
	return r, nil
}

func (r *CommandRing) Family() uint32 { return r.family }

// Begin resets the pool of frameIdx and returns its command buffer. The
// caller must have waited for the slot, which NextFrame does.
func (r *CommandRing) Begin(frameIdx int) (hal.CommandBuffer, error) {
	if r.core == nil {
		panic("dieselcore: use of a destroyed CommandRing")
	}
	if frameIdx < 0 || frameIdx >= len(r.pools) {
		panic(fmt.Sprintf("dieselcore: frame %d outside a ring of %d", frameIdx, len(r.pools)))
	}
	res := r.core.Device().ResetCommandPool(r.pools[frameIdx])
	if err := checkResult("vkResetCommandPool", res); err != nil {
		return 0, err
	}
	return r.buffers[frameIdx], nil
}

// Destroy frees the pools together with their buffers.
func (r *CommandRing) Destroy() {
	if r.core == nil {
		panic("dieselcore: use of a destroyed CommandRing")
	}
	r.destroyPools(r.core.Device())
	core := r.core
	r.core = nil
	core.Release()
}

func (r *CommandRing) destroyPools(dev hal.Device) {
	for _, p := range r.pools {
		dev.DestroyCommandPool(p)
	}
	r.pools = nil
	r.buffers = nil
}
