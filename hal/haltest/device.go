package haltest

import (
	"fmt"
	"time"

	"github.com/andewx/dieselcore/hal"
	vk "github.com/vulkan-go/vulkan"
)

type memory struct {
	size    uint64
	typeIdx uint32
	data    []byte
	mapped  bool
}

type resource struct {
	req   hal.MemoryRequirements
	bound bool
}

type fence struct {
	signaled bool
	pending  bool
	done     chan struct{}
}

type swapchain struct {
	images []hal.Image
	next   uint32
}

// Device is the fake logical device. All state lives behind the Backend lock.
type Device struct {
	b    *Backend
	gpu  *GPU
	id   uint64
	Info hal.DeviceCreateInfo

	queues map[[2]uint32]hal.Queue
	memory map[hal.DeviceMemory]*memory
	images map[hal.Image]*resource
	bufs   map[hal.Buffer]*resource
	fences map[hal.Fence]*fence
	chains map[hal.Swapchain]*swapchain
	pools  map[hal.CommandPool][]hal.CommandBuffer

	recorded int
}

func (d *Device) Queue(family, index uint32) hal.Queue {
	q, ok := d.queues[[2]uint32{family, index}]
	if !ok {
		panic(fmt.Sprintf("haltest: queue %d of family %d was not requested", index, family))
	}
	return q
}

func (d *Device) WaitIdle() vk.Result {
	d.b.mu.Lock()
	pending := []chan struct{}{}
	for _, f := range d.fences {
		if f.pending {
			pending = append(pending, f.done)
		}
	}
	hung := d.b.hung
	d.b.mu.Unlock()
	if hung && len(pending) > 0 {
		return vk.ErrorDeviceLost
	}
	for _, ch := range pending {
		<-ch
	}
	return vk.Success
}

func (d *Device) Destroy() { d.b.destroy("device", d.id) }

// Swapchains returns the live swapchains of the device.
func (d *Device) Swapchains() []hal.Swapchain {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	out := make([]hal.Swapchain, 0, len(d.chains))
	for sc := range d.chains {
		out = append(out, sc)
	}
	return out
}

// Recorded counts command buffers recorded through RecordPresentTransition.
func (d *Device) Recorded() int {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	return d.recorded
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

func (d *Device) typeBits() uint32 {
	return uint32(1)<<len(d.gpu.Memory.Types) - 1
}

func (d *Device) CreateImage(info hal.ImageCreateInfo) (hal.Image, vk.Result) {
	if res := d.b.injected(CallCreateImage); res != vk.Success {
		return 0, res
	}
	if info.Extent.Width == 0 || info.Extent.Height == 0 {
		panic("haltest: image with empty extent")
	}
	depth := max(uint64(info.Extent.Depth), 1)
	layers := max(uint64(info.ArrayLayers), 1)
	align := max(d.gpu.ImageAlignment, 1024)
	size := uint64(info.Extent.Width) * uint64(info.Extent.Height) * depth * layers * 4
	h := hal.Image(d.b.create("image"))
	d.b.mu.Lock()
	d.images[h] = &resource{req: hal.MemoryRequirements{Size: alignUp(size, align), Alignment: align, MemoryTypeBits: d.typeBits()}}
	d.b.mu.Unlock()
	return h, vk.Success
}

func (d *Device) DestroyImage(img hal.Image) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.destroyLocked("image", uint64(img))
	delete(d.images, img)
}

func (d *Device) ImageMemoryRequirements(img hal.Image) hal.MemoryRequirements {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("image", uint64(img))
	return d.images[img].req
}

func (d *Device) BindImageMemory(img hal.Image, mem hal.DeviceMemory, offset uint64) vk.Result {
	if res := d.b.injected(CallBindImageMemory); res != vk.Success {
		return res
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("image", uint64(img))
	return d.bindLocked(d.images[img], mem, offset)
}

func (d *Device) bindLocked(r *resource, mem hal.DeviceMemory, offset uint64) vk.Result {
	d.b.checkLiveLocked("memory", uint64(mem))
	m := d.memory[mem]
	switch {
	case r.bound:
		panic("haltest: resource bound twice")
	case offset%r.req.Alignment != 0:
		panic(fmt.Sprintf("haltest: bind offset %d not aligned to %d", offset, r.req.Alignment))
	case offset+r.req.Size > m.size:
		panic(fmt.Sprintf("haltest: bind range [%d, %d) exceeds memory of size %d", offset, offset+r.req.Size, m.size))
	case r.req.MemoryTypeBits&(1<<m.typeIdx) == 0:
		panic("haltest: bind to incompatible memory type")
	}
	r.bound = true
	return vk.Success
}

func (d *Device) CreateImageView(info hal.ImageViewCreateInfo) (hal.ImageView, vk.Result) {
	if res := d.b.injected(CallCreateImageView); res != vk.Success {
		return 0, res
	}
	d.b.mu.Lock()
	kind := d.b.live[uint64(info.Image)]
	d.b.mu.Unlock()
	if kind != "image" && kind != "swapchain-image" {
		panic(fmt.Sprintf("haltest: view of dead image %#x", uint64(info.Image)))
	}
	return hal.ImageView(d.b.create("image-view")), vk.Success
}

func (d *Device) DestroyImageView(view hal.ImageView) { d.b.destroy("image-view", uint64(view)) }

func (d *Device) CreateBuffer(info hal.BufferCreateInfo) (hal.Buffer, vk.Result) {
	if res := d.b.injected(CallCreateBuffer); res != vk.Success {
		return 0, res
	}
	if info.Size == 0 {
		panic("haltest: buffer of size 0")
	}
	align := max(d.gpu.BufferAlignment, 256)
	h := hal.Buffer(d.b.create("buffer"))
	d.b.mu.Lock()
	d.bufs[h] = &resource{req: hal.MemoryRequirements{Size: alignUp(info.Size, align), Alignment: align, MemoryTypeBits: d.typeBits()}}
	d.b.mu.Unlock()
	return h, vk.Success
}

func (d *Device) DestroyBuffer(buf hal.Buffer) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.destroyLocked("buffer", uint64(buf))
	delete(d.bufs, buf)
}

func (d *Device) BufferMemoryRequirements(buf hal.Buffer) hal.MemoryRequirements {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("buffer", uint64(buf))
	return d.bufs[buf].req
}

func (d *Device) BindBufferMemory(buf hal.Buffer, mem hal.DeviceMemory, offset uint64) vk.Result {
	if res := d.b.injected(CallBindBufferMemory); res != vk.Success {
		return res
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("buffer", uint64(buf))
	return d.bindLocked(d.bufs[buf], mem, offset)
}

func (d *Device) AllocateMemory(size uint64, memoryType uint32) (hal.DeviceMemory, vk.Result) {
	d.b.mu.Lock()
	hook := d.b.onAllocate
	d.b.mu.Unlock()
	if hook != nil {
		hook(size, memoryType)
	}
	if res := d.b.injected(CallAllocateMemory); res != vk.Success {
		return 0, res
	}
	if int(memoryType) >= len(d.gpu.Memory.Types) {
		panic(fmt.Sprintf("haltest: memory type %d out of range", memoryType))
	}
	heap := d.gpu.Memory.Types[memoryType].HeapIndex
	d.b.mu.Lock()
	if d.b.heapUsage[heap]+size > d.gpu.Memory.Heaps[heap].Size {
		d.b.mu.Unlock()
		return 0, vk.ErrorOutOfDeviceMemory
	}
	d.b.heapUsage[heap] += size
	d.b.mu.Unlock()
	h := hal.DeviceMemory(d.b.create("memory"))
	d.b.mu.Lock()
	d.memory[h] = &memory{size: size, typeIdx: memoryType}
	d.b.mu.Unlock()
	return h, vk.Success
}

func (d *Device) FreeMemory(mem hal.DeviceMemory) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.destroyLocked("memory", uint64(mem))
	m := d.memory[mem]
	d.b.heapUsage[d.gpu.Memory.Types[m.typeIdx].HeapIndex] -= m.size
	delete(d.memory, mem)
}

// HeapUsage returns the bytes allocated from heap.
func (d *Device) HeapUsage(heap uint32) uint64 {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	return d.b.heapUsage[heap]
}

func (d *Device) MapMemory(mem hal.DeviceMemory, offset, size uint64) ([]byte, vk.Result) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("memory", uint64(mem))
	m := d.memory[mem]
	flags := d.gpu.Memory.Types[m.typeIdx].Flags
	if flags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) == 0 {
		return nil, vk.ErrorMemoryMapFailed
	}
	if m.mapped {
		panic("haltest: memory mapped twice")
	}
	if offset+size > m.size {
		panic("haltest: map range exceeds allocation")
	}
	if m.data == nil {
		m.data = make([]byte, m.size)
	}
	m.mapped = true
	return m.data[offset : offset+size : offset+size], vk.Success
}

func (d *Device) UnmapMemory(mem hal.DeviceMemory) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("memory", uint64(mem))
	d.memory[mem].mapped = false
}

func (d *Device) CreateSemaphore() (hal.Semaphore, vk.Result) {
	return hal.Semaphore(d.b.create("semaphore")), vk.Success
}

func (d *Device) DestroySemaphore(s hal.Semaphore) { d.b.destroy("semaphore", uint64(s)) }

func (d *Device) CreateSwapchain(info hal.SwapchainCreateInfo) (hal.Swapchain, vk.Result) {
	if res := d.b.injected(CallCreateSwapchain); res != vk.Success {
		return 0, res
	}
	if info.Extent.Empty() {
		panic("haltest: swapchain with empty extent")
	}
	d.b.checkLive("surface", uint64(info.Surface))
	if info.OldSwapchain != 0 {
		d.b.checkLive("swapchain", uint64(info.OldSwapchain))
	}
	h := hal.Swapchain(d.b.create("swapchain"))
	sc := &swapchain{}
	for i := uint32(0); i < info.MinImageCount; i++ {
		sc.images = append(sc.images, hal.Image(d.b.create("swapchain-image")))
	}
	d.b.mu.Lock()
	d.chains[h] = sc
	d.b.mu.Unlock()
	return h, vk.Success
}

func (d *Device) DestroySwapchain(sc hal.Swapchain) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.destroyLocked("swapchain", uint64(sc))
	for _, img := range d.chains[sc].images {
		d.b.destroyLocked("swapchain-image", uint64(img))
	}
	delete(d.chains, sc)
}

func (d *Device) SwapchainImages(sc hal.Swapchain) ([]hal.Image, vk.Result) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("swapchain", uint64(sc))
	return append([]hal.Image(nil), d.chains[sc].images...), vk.Success
}

func (d *Device) AcquireNextImage(sc hal.Swapchain, timeout time.Duration, signal hal.Semaphore) (uint32, vk.Result) {
	d.b.checkLive("semaphore", uint64(signal))
	res := d.b.injected(CallAcquireNextImage)
	if res != vk.Success && res != vk.Suboptimal {
		return 0, res
	}
	return d.advance(sc), res
}

func (d *Device) advance(sc hal.Swapchain) uint32 {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("swapchain", uint64(sc))
	chain := d.chains[sc]
	idx := chain.next
	chain.next = (chain.next + 1) % uint32(len(chain.images))
	return idx
}

func (d *Device) CreateCommandPool(family uint32) (hal.CommandPool, vk.Result) {
	h := hal.CommandPool(d.b.create("command-pool"))
	d.b.mu.Lock()
	d.pools[h] = nil
	d.b.mu.Unlock()
	return h, vk.Success
}

func (d *Device) DestroyCommandPool(pool hal.CommandPool) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.destroyLocked("command-pool", uint64(pool))
	for _, cmd := range d.pools[pool] {
		d.b.destroyLocked("command-buffer", uint64(cmd))
	}
	delete(d.pools, pool)
}

func (d *Device) ResetCommandPool(pool hal.CommandPool) vk.Result {
	d.b.checkLive("command-pool", uint64(pool))
	return vk.Success
}

func (d *Device) AllocateCommandBuffers(pool hal.CommandPool, count uint32) ([]hal.CommandBuffer, vk.Result) {
	d.b.checkLive("command-pool", uint64(pool))
	out := make([]hal.CommandBuffer, count)
	for i := range out {
		out[i] = hal.CommandBuffer(d.b.create("command-buffer"))
	}
	d.b.mu.Lock()
	d.pools[pool] = append(d.pools[pool], out...)
	d.b.mu.Unlock()
	return out, vk.Success
}

func (d *Device) RecordPresentTransition(cmd hal.CommandBuffer, img hal.Image) vk.Result {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("command-buffer", uint64(cmd))
	d.b.checkLiveLocked("swapchain-image", uint64(img))
	d.recorded++
	return vk.Success
}

func (d *Device) QueuePresent(q hal.Queue, info hal.PresentInfo) vk.Result {
	if res := d.b.injected(CallQueuePresent); res != vk.Success {
		return res
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("swapchain", uint64(info.Swapchain))
	if int(info.ImageIndex) >= len(d.chains[info.Swapchain].images) {
		panic("haltest: present of out of range image")
	}
	for _, s := range info.WaitSemaphores {
		d.b.checkLiveLocked("semaphore", uint64(s))
	}
	return vk.Success
}
