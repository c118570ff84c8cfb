package vkhal

import (
	"sync"
	"time"
	"unsafe"

	"github.com/andewx/dieselcore/hal"
	vk "github.com/vulkan-go/vulkan"
)

// Device is a logical device. Native handles never leave the package; callers
// see the registry ids.
type Device struct {
	gpu    *physicalDevice
	handle vk.Device

	queues     registry[vk.Queue]
	images     registry[vk.Image]
	views      registry[vk.ImageView]
	buffers    registry[vk.Buffer]
	memory     registry[vk.DeviceMemory]
	semaphores registry[vk.Semaphore]
	fences     registry[vk.Fence]
	swapchains registry[vk.Swapchain]
	pools      registry[vk.CommandPool]
	cmds       registry[vk.CommandBuffer]

	mu          sync.Mutex
	queueIDs    map[[2]uint32]hal.Queue
	chainImages map[hal.Swapchain][]hal.Image
	poolBuffers map[hal.CommandPool][]hal.CommandBuffer
}

func newDevice(gpu *physicalDevice, handle vk.Device) *Device {
	return &Device{
		gpu:         gpu,
		handle:      handle,
		queueIDs:    make(map[[2]uint32]hal.Queue),
		chainImages: make(map[hal.Swapchain][]hal.Image),
		poolBuffers: make(map[hal.CommandPool][]hal.CommandBuffer),
	}
}

// Queue returns the same handle for repeated lookups of one queue.
func (d *Device) Queue(family, index uint32) hal.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := [2]uint32{family, index}
	if q, ok := d.queueIDs[key]; ok {
		return q
	}
	var queue vk.Queue
	vk.GetDeviceQueue(d.handle, family, index, &queue)
	q := hal.Queue(d.queues.put(queue))
	d.queueIDs[key] = q
	return q
}

func (d *Device) WaitIdle() vk.Result { return vk.DeviceWaitIdle(d.handle) }

func (d *Device) Destroy() { vk.DestroyDevice(d.handle, nil) }

func (d *Device) AllocateMemory(size uint64, memoryType uint32) (hal.DeviceMemory, vk.Result) {
	var mem vk.DeviceMemory
	res := vk.AllocateMemory(d.handle, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: memoryType,
	}, nil, &mem)
	if res != vk.Success {
		return 0, res
	}
	return hal.DeviceMemory(d.memory.put(mem)), vk.Success
}

func (d *Device) FreeMemory(mem hal.DeviceMemory) {
	if m, ok := d.memory.take(uint64(mem)); ok {
		vk.FreeMemory(d.handle, m, nil)
	}
}

func (d *Device) MapMemory(mem hal.DeviceMemory, offset, size uint64) ([]byte, vk.Result) {
	var data unsafe.Pointer
	res := vk.MapMemory(d.handle, d.memory.resolve(uint64(mem)), vk.DeviceSize(offset), vk.DeviceSize(size), 0, &data)
	if res != vk.Success {
		return nil, res
	}
	return unsafe.Slice((*byte)(data), size), vk.Success
}

func (d *Device) UnmapMemory(mem hal.DeviceMemory) {
	vk.UnmapMemory(d.handle, d.memory.resolve(uint64(mem)))
}

func (d *Device) CreateImage(info hal.ImageCreateInfo) (hal.Image, vk.Result) {
	var img vk.Image
	res := vk.CreateImage(d.handle, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: info.Type,
		Format:    info.Format,
		Extent: vk.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  info.Extent.Depth,
		},
		MipLevels:             info.MipLevels,
		ArrayLayers:           info.ArrayLayers,
		Samples:               info.Samples,
		Tiling:                info.Tiling,
		Usage:                 info.Usage,
		SharingMode:           info.SharingMode,
		QueueFamilyIndexCount: uint32(len(info.QueueFamilies)),
		PQueueFamilyIndices:   info.QueueFamilies,
		InitialLayout:         info.InitialLayout,
	}, nil, &img)
	if res != vk.Success {
		return 0, res
	}
	return hal.Image(d.images.put(img)), vk.Success
}

func (d *Device) DestroyImage(img hal.Image) {
	if i, ok := d.images.take(uint64(img)); ok {
		vk.DestroyImage(d.handle, i, nil)
	}
}

func (d *Device) ImageMemoryRequirements(img hal.Image) hal.MemoryRequirements {
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.handle, d.images.resolve(uint64(img)), &reqs)
	return memoryRequirements(reqs)
}

func (d *Device) BindImageMemory(img hal.Image, mem hal.DeviceMemory, offset uint64) vk.Result {
	return vk.BindImageMemory(d.handle, d.images.resolve(uint64(img)), d.memory.resolve(uint64(mem)), vk.DeviceSize(offset))
}

func (d *Device) CreateImageView(info hal.ImageViewCreateInfo) (hal.ImageView, vk.Result) {
	var view vk.ImageView
	res := vk.CreateImageView(d.handle, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    d.images.resolve(uint64(info.Image)),
		ViewType: info.ViewType,
		Format:   info.Format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     info.Aspect,
			BaseMipLevel:   info.BaseMip,
			LevelCount:     info.MipLevels,
			BaseArrayLayer: info.BaseLayer,
			LayerCount:     info.LayerCount,
		},
	}, nil, &view)
	if res != vk.Success {
		return 0, res
	}
	return hal.ImageView(d.views.put(view)), vk.Success
}

func (d *Device) DestroyImageView(view hal.ImageView) {
	if v, ok := d.views.take(uint64(view)); ok {
		vk.DestroyImageView(d.handle, v, nil)
	}
}

func (d *Device) CreateBuffer(info hal.BufferCreateInfo) (hal.Buffer, vk.Result) {
	var buf vk.Buffer
	res := vk.CreateBuffer(d.handle, &vk.BufferCreateInfo{
		SType:                 vk.StructureTypeBufferCreateInfo,
		Size:                  vk.DeviceSize(info.Size),
		Usage:                 info.Usage,
		SharingMode:           info.SharingMode,
		QueueFamilyIndexCount: uint32(len(info.QueueFamilies)),
		PQueueFamilyIndices:   info.QueueFamilies,
	}, nil, &buf)
	if res != vk.Success {
		return 0, res
	}
	return hal.Buffer(d.buffers.put(buf)), vk.Success
}

func (d *Device) DestroyBuffer(buf hal.Buffer) {
	if b, ok := d.buffers.take(uint64(buf)); ok {
		vk.DestroyBuffer(d.handle, b, nil)
	}
}

func (d *Device) BufferMemoryRequirements(buf hal.Buffer) hal.MemoryRequirements {
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.handle, d.buffers.resolve(uint64(buf)), &reqs)
	return memoryRequirements(reqs)
}

func (d *Device) BindBufferMemory(buf hal.Buffer, mem hal.DeviceMemory, offset uint64) vk.Result {
	return vk.BindBufferMemory(d.handle, d.buffers.resolve(uint64(buf)), d.memory.resolve(uint64(mem)), vk.DeviceSize(offset))
}

func memoryRequirements(reqs vk.MemoryRequirements) hal.MemoryRequirements {
	reqs.Deref()
	return hal.MemoryRequirements{
		Size:           uint64(reqs.Size),
		Alignment:      uint64(reqs.Alignment),
		MemoryTypeBits: reqs.MemoryTypeBits,
	}
}

func (d *Device) CreateSemaphore() (hal.Semaphore, vk.Result) {
	var sem vk.Semaphore
	res := vk.CreateSemaphore(d.handle, &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}, nil, &sem)
	if res != vk.Success {
		return 0, res
	}
	return hal.Semaphore(d.semaphores.put(sem)), vk.Success
}

func (d *Device) DestroySemaphore(s hal.Semaphore) {
	if sem, ok := d.semaphores.take(uint64(s)); ok {
		vk.DestroySemaphore(d.handle, sem, nil)
	}
}

func (d *Device) CreateFence(signaled bool) (hal.Fence, vk.Result) {
	var flags vk.FenceCreateFlags
	if signaled {
		flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	res := vk.CreateFence(d.handle, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
		Flags: flags,
	}, nil, &fence)
	if res != vk.Success {
		return 0, res
	}
	return hal.Fence(d.fences.put(fence)), vk.Success
}

func (d *Device) DestroyFence(f hal.Fence) {
	if fence, ok := d.fences.take(uint64(f)); ok {
		vk.DestroyFence(d.handle, fence, nil)
	}
}

func (d *Device) nativeFences(fences []hal.Fence) []vk.Fence {
	out := make([]vk.Fence, len(fences))
	for i, f := range fences {
		out[i] = d.fences.resolve(uint64(f))
	}
	return out
}

func (d *Device) WaitForFences(fences []hal.Fence, waitAll bool, timeout time.Duration) vk.Result {
	all := vk.False
	if waitAll {
		all = vk.True
	}
	return vk.WaitForFences(d.handle, uint32(len(fences)), d.nativeFences(fences), vk.Bool32(all), nanoseconds(timeout))
}

func (d *Device) ResetFences(fences []hal.Fence) vk.Result {
	return vk.ResetFences(d.handle, uint32(len(fences)), d.nativeFences(fences))
}

func (d *Device) FenceStatus(f hal.Fence) vk.Result {
	return vk.GetFenceStatus(d.handle, d.fences.resolve(uint64(f)))
}

func nanoseconds(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d.Nanoseconds())
}

func (d *Device) semaphoreList(list []hal.Semaphore) []vk.Semaphore {
	out := make([]vk.Semaphore, len(list))
	for i, s := range list {
		out[i] = d.semaphores.resolve(uint64(s))
	}
	return out
}

func (d *Device) CreateSwapchain(info hal.SwapchainCreateInfo) (hal.Swapchain, vk.Result) {
	clipped := vk.False
	if info.Clipped {
		clipped = vk.True
	}
	var sc vk.Swapchain
	res := vk.CreateSwapchain(d.handle, &vk.SwapchainCreateInfo{
		SType:           vk.StructureTypeSwapchainCreateInfo,
		Surface:         d.gpu.inst.surface(info.Surface),
		MinImageCount:   info.MinImageCount,
		ImageFormat:     info.Format.Format,
		ImageColorSpace: info.Format.ColorSpace,
		ImageExtent: vk.Extent2D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
		},
		ImageArrayLayers:      1,
		ImageUsage:            info.Usage,
		ImageSharingMode:      info.SharingMode,
		QueueFamilyIndexCount: uint32(len(info.QueueFamilies)),
		PQueueFamilyIndices:   info.QueueFamilies,
		PreTransform:          info.PreTransform,
		CompositeAlpha:        info.CompositeAlpha,
		PresentMode:           info.PresentMode,
		Clipped:               vk.Bool32(clipped),
		OldSwapchain:          d.swapchains.resolve(uint64(info.OldSwapchain)),
	}, nil, &sc)
	if res != vk.Success {
		return 0, res
	}
	return hal.Swapchain(d.swapchains.put(sc)), vk.Success
}

// DestroySwapchain also forgets the images the swapchain owned.
func (d *Device) DestroySwapchain(sc hal.Swapchain) {
	chain, ok := d.swapchains.take(uint64(sc))
	if !ok {
		return
	}
	d.mu.Lock()
	images := d.chainImages[sc]
	delete(d.chainImages, sc)
	d.mu.Unlock()
	for _, img := range images {
		d.images.take(uint64(img))
	}
	vk.DestroySwapchain(d.handle, chain, nil)
}

func (d *Device) SwapchainImages(sc hal.Swapchain) ([]hal.Image, vk.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if images, ok := d.chainImages[sc]; ok {
		return images, vk.Success
	}
	chain := d.swapchains.resolve(uint64(sc))
	list, res := enumerate(func(n *uint32, out []vk.Image) vk.Result {
		return vk.GetSwapchainImages(d.handle, chain, n, out)
	})
	if res != vk.Success {
		return nil, res
	}
	images := make([]hal.Image, len(list))
	for i, img := range list {
		images[i] = hal.Image(d.images.put(img))
	}
	d.chainImages[sc] = images
	return images, vk.Success
}

func (d *Device) AcquireNextImage(sc hal.Swapchain, timeout time.Duration, signal hal.Semaphore) (uint32, vk.Result) {
	var index uint32
	res := vk.AcquireNextImage(d.handle, d.swapchains.resolve(uint64(sc)), nanoseconds(timeout),
		d.semaphores.resolve(uint64(signal)), vk.NullFence, &index)
	return index, res
}

func (d *Device) CreateCommandPool(family uint32) (hal.CommandPool, vk.Result) {
	var pool vk.CommandPool
	res := vk.CreateCommandPool(d.handle, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: family,
	}, nil, &pool)
	if res != vk.Success {
		return 0, res
	}
	return hal.CommandPool(d.pools.put(pool)), vk.Success
}

// DestroyCommandPool frees the pool's command buffers with it.
func (d *Device) DestroyCommandPool(pool hal.CommandPool) {
	p, ok := d.pools.take(uint64(pool))
	if !ok {
		return
	}
	d.mu.Lock()
	buffers := d.poolBuffers[pool]
	delete(d.poolBuffers, pool)
	d.mu.Unlock()
	for _, cmd := range buffers {
		d.cmds.take(uint64(cmd))
	}
	vk.DestroyCommandPool(d.handle, p, nil)
}

func (d *Device) ResetCommandPool(pool hal.CommandPool) vk.Result {
	return vk.ResetCommandPool(d.handle, d.pools.resolve(uint64(pool)), 0)
}

func (d *Device) AllocateCommandBuffers(pool hal.CommandPool, count uint32) ([]hal.CommandBuffer, vk.Result) {
	native := make([]vk.CommandBuffer, count)
	res := vk.AllocateCommandBuffers(d.handle, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.pools.resolve(uint64(pool)),
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	}, native)
	if res != vk.Success {
		return nil, res
	}
	out := make([]hal.CommandBuffer, count)
	for i, cmd := range native {
		out[i] = hal.CommandBuffer(d.cmds.put(cmd))
	}
	d.mu.Lock()
	d.poolBuffers[pool] = append(d.poolBuffers[pool], out...)
	d.mu.Unlock()
	return out, vk.Success
}

func (d *Device) RecordPresentTransition(cmd hal.CommandBuffer, img hal.Image) vk.Result {
	cb := d.cmds.resolve(uint64(cmd))
	res := vk.BeginCommandBuffer(cb, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if res != vk.Success {
		return res
	}
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit),
		OldLayout:           vk.ImageLayoutUndefined,
		NewLayout:           vk.ImageLayoutPresentSrc,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               d.images.resolve(uint64(img)),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	vk.CmdPipelineBarrier(cb,
		vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
	return vk.EndCommandBuffer(cb)
}

func (d *Device) QueueSubmit(q hal.Queue, submits []hal.SubmitInfo, fence hal.Fence) vk.Result {
	infos := make([]vk.SubmitInfo, len(submits))
	for i, s := range submits {
		cmds := make([]vk.CommandBuffer, len(s.CommandBuffers))
		for j, c := range s.CommandBuffers {
			cmds[j] = d.cmds.resolve(uint64(c))
		}
		infos[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(s.WaitSemaphores)),
			PWaitSemaphores:      d.semaphoreList(s.WaitSemaphores),
			PWaitDstStageMask:    s.WaitStages,
			CommandBufferCount:   uint32(len(cmds)),
			PCommandBuffers:      cmds,
			SignalSemaphoreCount: uint32(len(s.SignalSemaphores)),
			PSignalSemaphores:    d.semaphoreList(s.SignalSemaphores),
		}
	}
	return vk.QueueSubmit(d.queues.resolve(uint64(q)), uint32(len(infos)), infos, d.fences.resolve(uint64(fence)))
}

func (d *Device) QueuePresent(q hal.Queue, info hal.PresentInfo) vk.Result {
	return vk.QueuePresent(d.queues.resolve(uint64(q)), &vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(info.WaitSemaphores)),
		PWaitSemaphores:    d.semaphoreList(info.WaitSemaphores),
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{d.swapchains.resolve(uint64(info.Swapchain))},
		PImageIndices:      []uint32{info.ImageIndex},
	})
}

var _ hal.Device = (*Device)(nil)
