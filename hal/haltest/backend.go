// Package haltest is a software implementation of the hal interfaces for tests.
//
// Every handle it hands out is unique for the lifetime of the Backend, fences
// signal on a configurable delay after submission, native calls can be made to
// fail on demand and every live object is accounted for so tests can assert
// that nothing leaked.
package haltest

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andewx/dieselcore/hal"
	vk "github.com/vulkan-go/vulkan"
)

// Native call names accepted by FailNext.
const (
	CallCreateInstance   = "vkCreateInstance"
	CallCreateSurface    = "glfwCreateWindowSurface"
	CallCreateDevice     = "vkCreateDevice"
	CallCreateImage      = "vkCreateImage"
	CallCreateBuffer     = "vkCreateBuffer"
	CallCreateImageView  = "vkCreateImageView"
	CallAllocateMemory   = "vkAllocateMemory"
	CallBindImageMemory  = "vkBindImageMemory"
	CallBindBufferMemory = "vkBindBufferMemory"
	CallCreateSwapchain  = "vkCreateSwapchainKHR"
	CallAcquireNextImage = "vkAcquireNextImageKHR"
	CallQueuePresent     = "vkQueuePresentKHR"
	CallQueueSubmit      = "vkQueueSubmit"
	CallWaitForFences    = "vkWaitForFences"
	CallSurfaceFormats   = "vkGetPhysicalDeviceSurfaceFormatsKHR"
)

// GPU describes one physical device exposed by the Backend.
type GPU struct {
	Name     string
	Type     vk.PhysicalDeviceType
	Families []hal.QueueFamily
	// PresentFamilies lists the families that can present. Nil means all.
	PresentFamilies []uint32
	Extensions      []string
	Formats         []hal.SurfaceFormat
	PresentModes    []vk.PresentMode
	Capabilities    hal.SurfaceCapabilities
	Memory          hal.MemoryProperties
	ImageAlignment  uint64
	BufferAlignment uint64
}

const allQueues = vk.QueueFlags(vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit)

// DiscreteGPU is a single-family device that can do everything.
func DiscreteGPU(name string) GPU {
	return GPU{
		Name:         name,
		Type:         vk.PhysicalDeviceTypeDiscreteGpu,
		Families:     []hal.QueueFamily{{Index: 0, Flags: allQueues, Count: 4}},
		Extensions:   []string{"VK_KHR_swapchain"},
		Formats:      []hal.SurfaceFormat{{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear}, {Format: vk.FormatB8g8r8a8Srgb, ColorSpace: vk.ColorSpaceSrgbNonlinear}},
		PresentModes: []vk.PresentMode{vk.PresentModeFifo, vk.PresentModeMailbox},
		Capabilities: DefaultCapabilities(),
		Memory:       DefaultMemory(),
	}
}

// IntegratedGPU has a graphics family and a separate compute/transfer family
// and only supports FIFO presentation.
func IntegratedGPU(name string) GPU {
	g := DiscreteGPU(name)
	g.Type = vk.PhysicalDeviceTypeIntegratedGpu
	g.Families = []hal.QueueFamily{
		{Index: 0, Flags: vk.QueueFlags(vk.QueueGraphicsBit), Count: 1},
		{Index: 1, Flags: vk.QueueFlags(vk.QueueComputeBit | vk.QueueTransferBit), Count: 1},
	}
	g.PresentModes = []vk.PresentMode{vk.PresentModeFifo}
	return g
}

func DefaultCapabilities() hal.SurfaceCapabilities {
	return hal.SurfaceCapabilities{
		MinImageCount:           2,
		MaxImageCount:           8,
		CurrentExtent:           hal.Extent2D{Width: 800, Height: 600},
		MinImageExtent:          hal.Extent2D{Width: 1, Height: 1},
		MaxImageExtent:          hal.Extent2D{Width: 4096, Height: 4096},
		CurrentTransform:        vk.SurfaceTransformIdentityBit,
		SupportedTransforms:     vk.SurfaceTransformFlags(vk.SurfaceTransformIdentityBit),
		SupportedCompositeAlpha: vk.CompositeAlphaFlags(vk.CompositeAlphaOpaqueBit),
		SupportedUsage:          vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
	}
}

// DefaultMemory has a device-local heap and a host heap with coherent and
// cached types.
func DefaultMemory() hal.MemoryProperties {
	return hal.MemoryProperties{
		Types: []hal.MemoryType{
			{Flags: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit), HeapIndex: 0},
			{Flags: vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit), HeapIndex: 1},
			{Flags: vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit | vk.MemoryPropertyHostCachedBit), HeapIndex: 1},
		},
		Heaps: []hal.MemoryHeap{
			{Size: 1 << 30, Flags: vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit)},
			{Size: 1 << 28},
		},
	}
}

// Window is a fake host window.
type Window struct {
	Extensions    []string
	Width, Height int
}

func (w *Window) RequiredInstanceExtensions() []string { return w.Extensions }
func (w *Window) FramebufferSize() (int, int)          { return w.Width, w.Height }

// NewWindow returns an 800x600 window that needs VK_KHR_surface.
func NewWindow() *Window {
	return &Window{Extensions: []string{"VK_KHR_surface"}, Width: 800, Height: 600}
}

// Backend is the software driver. The zero value is not usable, use NewBackend.
type Backend struct {
	Layers                 []string
	InstanceExtensionNames []string

	gpus   []GPU
	handle atomic.Uint64

	mu          sync.Mutex
	live        map[uint64]string
	failures    map[string][]vk.Result
	extent      *hal.Extent2D
	latency     time.Duration
	hung        bool
	onAllocate  func(size uint64, memoryType uint32)
	onSignal    func(hal.Fence)
	devices     []*Device
	heapUsage   map[uint32]uint64
	submissions int
}

func NewBackend(gpus ...GPU) *Backend {
	b := &Backend{
		Layers:                 []string{"VK_LAYER_KHRONOS_validation"},
		InstanceExtensionNames: []string{"VK_KHR_surface", "VK_KHR_xcb_surface", "VK_EXT_debug_utils", "VK_EXT_debug_report"},
		gpus:                   gpus,
		live:                   map[uint64]string{},
		failures:               map[string][]vk.Result{},
		heapUsage:              map[uint32]uint64{},
	}
	b.handle.Store(0x1000)
	return b
}

// FailNext makes the next call named call return res instead of succeeding.
// Calls queue up in order.
func (b *Backend) FailNext(call string, res vk.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[call] = append(b.failures[call], res)
}

// SetSubmitLatency delays the signal of every fence passed to QueueSubmit.
func (b *Backend) SetSubmitLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// Hang stops the queue: submitted fences never signal.
func (b *Backend) Hang() {
	b.mu.Lock()
	b.hung = true
	b.mu.Unlock()
}

// SetExtent overrides the current surface extent of every device.
func (b *Backend) SetExtent(width, height uint32) {
	b.mu.Lock()
	b.extent = &hal.Extent2D{Width: width, Height: height}
	b.mu.Unlock()
}

// OnAllocate is called inside every vkAllocateMemory, before it succeeds.
func (b *Backend) OnAllocate(fn func(size uint64, memoryType uint32)) {
	b.mu.Lock()
	b.onAllocate = fn
	b.mu.Unlock()
}

// OnFenceSignal is called whenever a submitted fence signals.
func (b *Backend) OnFenceSignal(fn func(hal.Fence)) {
	b.mu.Lock()
	b.onSignal = fn
	b.mu.Unlock()
}

// Live returns the number of live objects per kind.
func (b *Backend) Live() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]int{}
	for _, kind := range b.live {
		out[kind]++
	}
	return out
}

func (b *Backend) LiveCount(kind string) int { return b.Live()[kind] }

// IsLive reports whether handle was created and not yet destroyed.
func (b *Backend) IsLive(handle uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.live[handle]
	return ok
}

// Devices returns every logical device created so far.
func (b *Backend) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.devices)
}

// Submissions counts successful QueueSubmit calls.
func (b *Backend) Submissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submissions
}

func (b *Backend) InstanceLayers() ([]string, vk.Result) {
	return slices.Clone(b.Layers), vk.Success
}

func (b *Backend) InstanceExtensions() ([]string, vk.Result) {
	return slices.Clone(b.InstanceExtensionNames), vk.Success
}

func (b *Backend) CreateInstance(info hal.InstanceCreateInfo) (hal.Instance, vk.Result) {
	if res := b.injected(CallCreateInstance); res != vk.Success {
		return nil, res
	}
	for _, l := range info.Layers {
		if !slices.Contains(b.Layers, l) {
			return nil, vk.ErrorLayerNotPresent
		}
	}
	for _, e := range info.Extensions {
		if !slices.Contains(b.InstanceExtensionNames, e) {
			return nil, vk.ErrorExtensionNotPresent
		}
	}
	inst := &Instance{b: b, Info: info}
	inst.id = b.create("instance")
	return inst, vk.Success
}

func (b *Backend) next() uint64 { return b.handle.Add(1) }

func (b *Backend) create(kind string) uint64 {
	h := b.next()
	b.mu.Lock()
	b.live[h] = kind
	b.mu.Unlock()
	return h
}

func (b *Backend) destroy(kind string, h uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyLocked(kind, h)
}

func (b *Backend) destroyLocked(kind string, h uint64) {
	if got, ok := b.live[h]; !ok || got != kind {
		panic(fmt.Sprintf("haltest: destroy of dead or foreign %s %#x", kind, h))
	}
	delete(b.live, h)
}

func (b *Backend) checkLive(kind string, h uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkLiveLocked(kind, h)
}

func (b *Backend) checkLiveLocked(kind string, h uint64) {
	if got, ok := b.live[h]; !ok || got != kind {
		panic(fmt.Sprintf("haltest: use of dead or foreign %s %#x", kind, h))
	}
}

func (b *Backend) injected(call string) vk.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.failures[call]
	if len(queue) == 0 {
		return vk.Success
	}
	b.failures[call] = queue[1:]
	return queue[0]
}

// Instance is the fake instance.
type Instance struct {
	b    *Backend
	id   uint64
	Info hal.InstanceCreateInfo
}

func (i *Instance) PhysicalDevices() ([]hal.PhysicalDevice, vk.Result) {
	out := make([]hal.PhysicalDevice, 0, len(i.b.gpus))
	for idx := range i.b.gpus {
		out = append(out, &PhysicalDevice{b: i.b, gpu: &i.b.gpus[idx]})
	}
	return out, vk.Success
}

func (i *Instance) CreateSurface(w hal.Window) (hal.Surface, vk.Result) {
	if res := i.b.injected(CallCreateSurface); res != vk.Success {
		return 0, res
	}
	return hal.Surface(i.b.create("surface")), vk.Success
}

func (i *Instance) DestroySurface(s hal.Surface) { i.b.destroy("surface", uint64(s)) }

func (i *Instance) Destroy() { i.b.destroy("instance", i.id) }

// PhysicalDevice exposes one GPU.
type PhysicalDevice struct {
	b   *Backend
	gpu *GPU
}

func (p *PhysicalDevice) Properties() hal.DeviceProperties {
	return hal.DeviceProperties{
		Name:                   p.gpu.Name,
		Type:                   p.gpu.Type,
		APIVersion:             1<<22 | 1<<12,
		BufferImageGranularity: 1,
		NonCoherentAtomSize:    64,
		MaxMemoryAllocations:   4096,
	}
}

func (p *PhysicalDevice) QueueFamilies() []hal.QueueFamily { return slices.Clone(p.gpu.Families) }

func (p *PhysicalDevice) MemoryProperties() hal.MemoryProperties { return p.gpu.Memory }

func (p *PhysicalDevice) Extensions() ([]string, vk.Result) {
	return slices.Clone(p.gpu.Extensions), vk.Success
}

func (p *PhysicalDevice) SurfaceSupport(family uint32, s hal.Surface) (bool, vk.Result) {
	p.b.checkLive("surface", uint64(s))
	if p.gpu.PresentFamilies == nil {
		return true, vk.Success
	}
	return slices.Contains(p.gpu.PresentFamilies, family), vk.Success
}

func (p *PhysicalDevice) SurfaceFormats(s hal.Surface) ([]hal.SurfaceFormat, vk.Result) {
	if res := p.b.injected(CallSurfaceFormats); res != vk.Success {
		return nil, res
	}
	return slices.Clone(p.gpu.Formats), vk.Success
}

func (p *PhysicalDevice) SurfacePresentModes(s hal.Surface) ([]vk.PresentMode, vk.Result) {
	return slices.Clone(p.gpu.PresentModes), vk.Success
}

func (p *PhysicalDevice) SurfaceCapabilities(s hal.Surface) (hal.SurfaceCapabilities, vk.Result) {
	p.b.checkLive("surface", uint64(s))
	caps := p.gpu.Capabilities
	p.b.mu.Lock()
	if p.b.extent != nil {
		caps.CurrentExtent = *p.b.extent
	}
	p.b.mu.Unlock()
	return caps, vk.Success
}

func (p *PhysicalDevice) CreateDevice(info hal.DeviceCreateInfo) (hal.Device, vk.Result) {
	if res := p.b.injected(CallCreateDevice); res != vk.Success {
		return nil, res
	}
	for _, e := range info.Extensions {
		if !slices.Contains(p.gpu.Extensions, e) {
			return nil, vk.ErrorExtensionNotPresent
		}
	}
	d := &Device{
		b:      p.b,
		gpu:    p.gpu,
		Info:   info,
		queues: map[[2]uint32]hal.Queue{},
		memory: map[hal.DeviceMemory]*memory{},
		images: map[hal.Image]*resource{},
		bufs:   map[hal.Buffer]*resource{},
		fences: map[hal.Fence]*fence{},
		chains: map[hal.Swapchain]*swapchain{},
		pools:  map[hal.CommandPool][]hal.CommandBuffer{},
	}
	for _, fam := range info.QueueFamilies {
		if int(fam) >= len(p.gpu.Families) {
			return nil, vk.ErrorInitializationFailed
		}
		for i := uint32(0); i < p.gpu.Families[fam].Count; i++ {
			d.queues[[2]uint32{fam, i}] = hal.Queue(p.b.next())
		}
	}
	d.id = p.b.create("device")
	p.b.mu.Lock()
	p.b.devices = append(p.b.devices, d)
	p.b.mu.Unlock()
	return d, vk.Success
}
