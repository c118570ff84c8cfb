package vkhal

import (
	"github.com/andewx/dieselcore/hal"
	vk "github.com/vulkan-go/vulkan"
)

type physicalDevice struct {
	inst     *Instance
	gpu      vk.PhysicalDevice
	props    hal.DeviceProperties
	families []hal.QueueFamily
	memory   hal.MemoryProperties
}

func newPhysicalDevice(inst *Instance, gpu vk.PhysicalDevice) *physicalDevice {
	p := &physicalDevice{inst: inst, gpu: gpu}

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(gpu, &props)
	props.Deref()
	props.Limits.Deref()
	p.props = hal.DeviceProperties{
		Name:                   vk.ToString(props.DeviceName[:]),
		Type:                   props.DeviceType,
		APIVersion:             props.ApiVersion,
		DriverVersion:          props.DriverVersion,
		VendorID:               props.VendorID,
		DeviceID:               props.DeviceID,
		BufferImageGranularity: uint64(props.Limits.BufferImageGranularity),
		NonCoherentAtomSize:    uint64(props.Limits.NonCoherentAtomSize),
		MaxMemoryAllocations:   props.Limits.MaxMemoryAllocationCount,
	}

	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, nil)
	queues := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, queues)
	for i := range queues[:count] {
		queues[i].Deref()
		p.families = append(p.families, hal.QueueFamily{
			Index: uint32(i),
			Flags: queues[i].QueueFlags,
			Count: queues[i].QueueCount,
		})
	}

	var mem vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(gpu, &mem)
	mem.Deref()
	for i := uint32(0); i < mem.MemoryTypeCount; i++ {
		t := mem.MemoryTypes[i]
		t.Deref()
		p.memory.Types = append(p.memory.Types, hal.MemoryType{Flags: t.PropertyFlags, HeapIndex: t.HeapIndex})
	}
	for i := uint32(0); i < mem.MemoryHeapCount; i++ {
		h := mem.MemoryHeaps[i]
		h.Deref()
		p.memory.Heaps = append(p.memory.Heaps, hal.MemoryHeap{Size: uint64(h.Size), Flags: h.Flags})
	}
	return p
}

func (p *physicalDevice) Properties() hal.DeviceProperties       { return p.props }
func (p *physicalDevice) QueueFamilies() []hal.QueueFamily       { return p.families }
func (p *physicalDevice) MemoryProperties() hal.MemoryProperties { return p.memory }

func (p *physicalDevice) Extensions() ([]string, vk.Result) {
	list, res := enumerate(func(n *uint32, out []vk.ExtensionProperties) vk.Result {
		return vk.EnumerateDeviceExtensionProperties(p.gpu, "", n, out)
	})
	return extensionNames(list), res
}

func (p *physicalDevice) SurfaceSupport(family uint32, s hal.Surface) (bool, vk.Result) {
	var supported vk.Bool32
	res := vk.GetPhysicalDeviceSurfaceSupport(p.gpu, family, p.inst.surface(s), &supported)
	return supported.B(), res
}

func (p *physicalDevice) SurfaceFormats(s hal.Surface) ([]hal.SurfaceFormat, vk.Result) {
	surface := p.inst.surface(s)
	list, res := enumerate(func(n *uint32, out []vk.SurfaceFormat) vk.Result {
		return vk.GetPhysicalDeviceSurfaceFormats(p.gpu, surface, n, out)
	})
	formats := make([]hal.SurfaceFormat, 0, len(list))
	for _, f := range list {
		f.Deref()
		formats = append(formats, hal.SurfaceFormat{Format: f.Format, ColorSpace: f.ColorSpace})
	}
	return formats, res
}

func (p *physicalDevice) SurfacePresentModes(s hal.Surface) ([]vk.PresentMode, vk.Result) {
	surface := p.inst.surface(s)
	return enumerate(func(n *uint32, out []vk.PresentMode) vk.Result {
		return vk.GetPhysicalDeviceSurfacePresentModes(p.gpu, surface, n, out)
	})
}

func (p *physicalDevice) SurfaceCapabilities(s hal.Surface) (hal.SurfaceCapabilities, vk.Result) {
	var caps vk.SurfaceCapabilities
	res := vk.GetPhysicalDeviceSurfaceCapabilities(p.gpu, p.inst.surface(s), &caps)
	if res != vk.Success {
		return hal.SurfaceCapabilities{}, res
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()
	return hal.SurfaceCapabilities{
		MinImageCount:           caps.MinImageCount,
		MaxImageCount:           caps.MaxImageCount,
		CurrentExtent:           extent2D(caps.CurrentExtent),
		MinImageExtent:          extent2D(caps.MinImageExtent),
		MaxImageExtent:          extent2D(caps.MaxImageExtent),
		CurrentTransform:        caps.CurrentTransform,
		SupportedTransforms:     caps.SupportedTransforms,
		SupportedCompositeAlpha: caps.SupportedCompositeAlpha,
		SupportedUsage:          caps.SupportedUsageFlags,
	}, vk.Success
}

func extent2D(e vk.Extent2D) hal.Extent2D {
	return hal.Extent2D{Width: e.Width, Height: e.Height}
}

// CreateDevice creates one queue per requested family.
func (p *physicalDevice) CreateDevice(info hal.DeviceCreateInfo) (hal.Device, vk.Result) {
	queueInfos := make([]vk.DeviceQueueCreateInfo, 0, len(info.QueueFamilies))
	for _, family := range info.QueueFamilies {
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}
	var device vk.Device
	res := vk.CreateDevice(p.gpu, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(info.Extensions)),
		PpEnabledExtensionNames: cStrings(info.Extensions),
		EnabledLayerCount:       uint32(len(info.Layers)),
		PpEnabledLayerNames:     cStrings(info.Layers),
	}, nil, &device)
	if res != vk.Success {
		return nil, res
	}
	return newDevice(p, device), vk.Success
}

var _ hal.PhysicalDevice = (*physicalDevice)(nil)
