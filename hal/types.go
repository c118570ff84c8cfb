package hal

import vk "github.com/vulkan-go/vulkan"

// UndefinedExtent marks a surface whose size is chosen by the swapchain.
const UndefinedExtent = 0xFFFFFFFF

type Extent2D struct {
	Width, Height uint32
}

func (e Extent2D) Empty() bool { return e.Width == 0 || e.Height == 0 }

type Extent3D struct {
	Width, Height, Depth uint32
}

type ApplicationInfo struct {
	Name          string
	Version       uint32
	EngineName    string
	EngineVersion uint32
	APIVersion    uint32
}

type InstanceCreateInfo struct {
	Application ApplicationInfo
	Layers      []string
	Extensions  []string
	//DebugReport installs a report callback when the extension is enabled
	DebugReport bool
}

type DeviceCreateInfo struct {
	QueueFamilies []uint32
	Layers        []string
	Extensions    []string
}

type DeviceProperties struct {
	Name                   string
	Type                   vk.PhysicalDeviceType
	APIVersion             uint32
	DriverVersion          uint32
	VendorID               uint32
	DeviceID               uint32
	BufferImageGranularity uint64
	NonCoherentAtomSize    uint64
	MaxMemoryAllocations   uint32
}

type QueueFamily struct {
	Index uint32
	Flags vk.QueueFlags
	Count uint32
}

// Supports reports whether every bit of flags is present on the family.
func (q QueueFamily) Supports(flags vk.QueueFlags) bool {
	return q.Count > 0 && q.Flags&flags == flags
}

type SurfaceFormat struct {
	Format     vk.Format
	ColorSpace vk.ColorSpace
}

type SurfaceCapabilities struct {
	MinImageCount           uint32
	MaxImageCount           uint32
	CurrentExtent           Extent2D
	MinImageExtent          Extent2D
	MaxImageExtent          Extent2D
	CurrentTransform        vk.SurfaceTransformFlagBits
	SupportedTransforms     vk.SurfaceTransformFlags
	SupportedCompositeAlpha vk.CompositeAlphaFlags
	SupportedUsage          vk.ImageUsageFlags
}

type MemoryType struct {
	Flags     vk.MemoryPropertyFlags
	HeapIndex uint32
}

type MemoryHeap struct {
	Size  uint64
	Flags vk.MemoryHeapFlags
}

type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

type ImageCreateInfo struct {
	Type          vk.ImageType
	Format        vk.Format
	Extent        Extent3D
	MipLevels     uint32
	ArrayLayers   uint32
	Samples       vk.SampleCountFlagBits
	Tiling        vk.ImageTiling
	Usage         vk.ImageUsageFlags
	SharingMode   vk.SharingMode
	QueueFamilies []uint32
	InitialLayout vk.ImageLayout
}

type ImageViewCreateInfo struct {
	Image      Image
	ViewType   vk.ImageViewType
	Format     vk.Format
	Aspect     vk.ImageAspectFlags
	BaseMip    uint32
	MipLevels  uint32
	BaseLayer  uint32
	LayerCount uint32
}

type BufferCreateInfo struct {
	Size          uint64
	Usage         vk.BufferUsageFlags
	SharingMode   vk.SharingMode
	QueueFamilies []uint32
}

type SwapchainCreateInfo struct {
	Surface        Surface
	MinImageCount  uint32
	Format         SurfaceFormat
	Extent         Extent2D
	Usage          vk.ImageUsageFlags
	SharingMode    vk.SharingMode
	QueueFamilies  []uint32
	PreTransform   vk.SurfaceTransformFlagBits
	CompositeAlpha vk.CompositeAlphaFlagBits
	PresentMode    vk.PresentMode
	Clipped        bool
	OldSwapchain   Swapchain
}

type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitStages       []vk.PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

type PresentInfo struct {
	WaitSemaphores []Semaphore
	Swapchain      Swapchain
	ImageIndex     uint32
}
