package dieselcore

import (
	"sync/atomic"

	"github.com/andewx/dieselcore/gpualloc"
	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

//Core is the shared handle of one GPU session. It bundles the instance,
//logical device, the graphics and utility queues and the lock guarded
//allocator. Every component that creates GPU objects holds a reference;
//the last Release waits for the device to go idle, returns the allocator's
//memory and destroys the device and instance.
type Core struct {
	instance hal.Instance
	physical hal.PhysicalDevice
	device   hal.Device

	graphicsFamily uint32
	utilityFamily  uint32
	graphicsQueue  hal.Queue
	utilityQueue   hal.Queue

	allocator *lockedAllocator
	metrics   *Metrics
	opts      Options

	refs atomic.Int64
	live atomic.Int64
}

// NewCore takes ownership of inst and dev. The returned Core holds one
// reference.
func NewCore(inst hal.Instance, hw HardwareSelection, dev hal.Device, opts Options) (*Core, error) {
	opts = opts.withDefaults()
	metrics, err := NewMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	c := &Core{
		instance:       inst,
		physical:       hw.PhysicalDevice,
		device:         dev,
		graphicsFamily: hw.GraphicsQueueFamily,
		utilityFamily:  hw.UtilityQueueFamily,
		graphicsQueue:  dev.Queue(hw.GraphicsQueueFamily, 0),
		utilityQueue:   dev.Queue(hw.UtilityQueueFamily, 0),
		allocator:      newLockedAllocator(dev, gpualloc.New(opts.Allocator, gpualloc.PropertiesOf(hw.PhysicalDevice))),
		metrics:        metrics,
		opts:           opts,
	}
	c.refs.Store(1)
	return c, nil
}

func (c *Core) Instance() hal.Instance             { return c.instance }
func (c *Core) PhysicalDevice() hal.PhysicalDevice { return c.physical }
func (c *Core) Device() hal.Device                 { return c.device }
func (c *Core) GraphicsQueue() hal.Queue           { return c.graphicsQueue }
func (c *Core) UtilityQueue() hal.Queue            { return c.utilityQueue }
func (c *Core) GraphicsQueueFamily() uint32        { return c.graphicsFamily }
func (c *Core) UtilityQueueFamily() uint32         { return c.utilityFamily }
func (c *Core) Metrics() *Metrics                  { return c.metrics }
func (c *Core) Options() Options                   { return c.opts }

// LiveObjects counts managed images and buffers that were not freed yet.
func (c *Core) LiveObjects() int64 { return c.live.Load() }

// Retain adds a reference. Retaining a destroyed Core panics.
func (c *Core) Retain() *Core {
	if c.refs.Add(1) <= 1 {
		panic("dieselcore: Retain of a destroyed Core")
	}
	return c
}

// Release drops a reference and tears the session down with the last one.
func (c *Core) Release() {
	switch n := c.refs.Add(-1); {
	case n > 0:
		return
	case n < 0:
		panic("dieselcore: Core released more often than retained")
	}
	c.destroy()
}

func (c *Core) destroy() {
	log := Logger()
	if live := c.live.Load(); live != 0 {
		log.Error("core destroyed with live managed objects", zap.Int64("live", live))
	}
	if err := checkResult("vkDeviceWaitIdle", c.device.WaitIdle()); err != nil {
		log.Error("device did not go idle before teardown", zap.Error(err))
	}
	if leaked := c.allocator.cleanup(); leaked > 0 {
		log.Error("allocator released with outstanding blocks", zap.Int("blocks", leaked))
	}
	c.device.Destroy()
	c.instance.Destroy()
	log.Info("core destroyed")
}

// Allocate hands out a memory block. The allocator lock is held only for the
// allocation itself.
func (c *Core) Allocate(req MemoryRequest) (*MemoryBlock, error) {
	block, err := c.allocator.allocate(req)
	if err != nil {
		return nil, err
	}
	c.metrics.Allocations.Inc()
	c.metrics.AllocatedBytes.Add(float64(block.Size()))
	return block, nil
}

// Deallocate gives block back to the allocator.
func (c *Core) Deallocate(block *MemoryBlock) error {
	size := block.Size()
	if err := c.allocator.deallocate(block); err != nil {
		return err
	}
	c.metrics.Deallocations.Inc()
	c.metrics.AllocatedBytes.Sub(float64(size))
	return nil
}

// MapMemory gives host access to a host visible block.
func (c *Core) MapMemory(block *MemoryBlock, offset, size uint64) ([]byte, error) {
	data, err := c.allocator.mapBlock(block, offset, size)
	return data, errors.Wrap(err, "map memory block")
}

func (c *Core) UnmapMemory(block *MemoryBlock) error {
	return c.allocator.unmapBlock(block)
}

// AllocatorStats snapshots the allocator's free lists.
func (c *Core) AllocatorStats() (gpualloc.Stats, error) {
	return c.allocator.stats()
}

func (c *Core) track() {
	c.live.Add(1)
	c.metrics.LiveObjects.Inc()
}

func (c *Core) untrack() {
	c.live.Add(-1)
	c.metrics.LiveObjects.Dec()
}
