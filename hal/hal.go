package hal

import (
	"time"

	vk "github.com/vulkan-go/vulkan"
)

// Backend creates instances. Layer and extension queries are instance level.
type Backend interface {
	InstanceLayers() ([]string, vk.Result)
	InstanceExtensions() ([]string, vk.Result)
	CreateInstance(info InstanceCreateInfo) (Instance, vk.Result)
}

// Window is the host window a presentation surface is created for.
type Window interface {
	RequiredInstanceExtensions() []string
	FramebufferSize() (width, height int)
}

type Instance interface {
	PhysicalDevices() ([]PhysicalDevice, vk.Result)
	CreateSurface(w Window) (Surface, vk.Result)
	DestroySurface(s Surface)
	Destroy()
}

type PhysicalDevice interface {
	Properties() DeviceProperties
	QueueFamilies() []QueueFamily
	MemoryProperties() MemoryProperties
	Extensions() ([]string, vk.Result)

	SurfaceSupport(family uint32, s Surface) (bool, vk.Result)
	SurfaceFormats(s Surface) ([]SurfaceFormat, vk.Result)
	SurfacePresentModes(s Surface) ([]vk.PresentMode, vk.Result)
	SurfaceCapabilities(s Surface) (SurfaceCapabilities, vk.Result)

	CreateDevice(info DeviceCreateInfo) (Device, vk.Result)
}

// Memory is the subset of a device the memory allocator talks to.
type Memory interface {
	AllocateMemory(size uint64, memoryType uint32) (DeviceMemory, vk.Result)
	FreeMemory(mem DeviceMemory)
	MapMemory(mem DeviceMemory, offset, size uint64) ([]byte, vk.Result)
	UnmapMemory(mem DeviceMemory)
}

type Device interface {
	Memory

	Queue(family, index uint32) Queue
	WaitIdle() vk.Result
	Destroy()

	CreateImage(info ImageCreateInfo) (Image, vk.Result)
	DestroyImage(img Image)
	ImageMemoryRequirements(img Image) MemoryRequirements
	BindImageMemory(img Image, mem DeviceMemory, offset uint64) vk.Result
	CreateImageView(info ImageViewCreateInfo) (ImageView, vk.Result)
	DestroyImageView(view ImageView)

	CreateBuffer(info BufferCreateInfo) (Buffer, vk.Result)
	DestroyBuffer(buf Buffer)
	BufferMemoryRequirements(buf Buffer) MemoryRequirements
	BindBufferMemory(buf Buffer, mem DeviceMemory, offset uint64) vk.Result

	CreateSemaphore() (Semaphore, vk.Result)
	DestroySemaphore(s Semaphore)
	CreateFence(signaled bool) (Fence, vk.Result)
	DestroyFence(f Fence)
	WaitForFences(fences []Fence, waitAll bool, timeout time.Duration) vk.Result
	ResetFences(fences []Fence) vk.Result
	FenceStatus(f Fence) vk.Result

	CreateSwapchain(info SwapchainCreateInfo) (Swapchain, vk.Result)
	DestroySwapchain(sc Swapchain)
	SwapchainImages(sc Swapchain) ([]Image, vk.Result)
	AcquireNextImage(sc Swapchain, timeout time.Duration, signal Semaphore) (uint32, vk.Result)

	CreateCommandPool(family uint32) (CommandPool, vk.Result)
	DestroyCommandPool(pool CommandPool)
	ResetCommandPool(pool CommandPool) vk.Result
	AllocateCommandBuffers(pool CommandPool, count uint32) ([]CommandBuffer, vk.Result)
	// RecordPresentTransition records a one-shot command buffer moving img
	// from an undefined layout to the present layout.
	RecordPresentTransition(cmd CommandBuffer, img Image) vk.Result

	QueueSubmit(q Queue, submits []SubmitInfo, fence Fence) vk.Result
	QueuePresent(q Queue, info PresentInfo) vk.Result
}
