package dieselcore

import (
	"slices"
	"time"

	"github.com/andewx/dieselcore/gpualloc"
	"github.com/andewx/dieselcore/hal"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ValidationLayer      = "VK_LAYER_KHRONOS_validation"
	DebugUtilsExtension  = "VK_EXT_debug_utils"
	DebugReportExtension = "VK_EXT_debug_report"
	SwapchainExtension   = "VK_KHR_swapchain"
)

const (
	DefaultFramesInFlight = 2
	DefaultFenceTimeout   = 10 * time.Second
)

// ApplicationInfo names the application to the driver.
type ApplicationInfo = hal.ApplicationInfo

// Setup is the layer and extension request of the host application.
type Setup struct {
	InstanceLayers     []string
	InstanceExtensions []string
	DeviceLayers       []string
	DeviceExtensions   []string
	// Validation enables the Khronos validation layer on the instance and
	// device and the debug utils extension on the instance.
	Validation bool
}

// Resolve returns the effective lists. VK_KHR_swapchain is always requested
// on the device.
func (s Setup) Resolve() Setup {
	out := Setup{
		InstanceLayers:     slices.Clone(s.InstanceLayers),
		InstanceExtensions: slices.Clone(s.InstanceExtensions),
		DeviceLayers:       slices.Clone(s.DeviceLayers),
		DeviceExtensions:   appendUnique(slices.Clone(s.DeviceExtensions), SwapchainExtension),
		Validation:         s.Validation,
	}
	if s.Validation {
		out.InstanceLayers = appendUnique(out.InstanceLayers, ValidationLayer)
		out.DeviceLayers = appendUnique(out.DeviceLayers, ValidationLayer)
		out.InstanceExtensions = appendUnique(out.InstanceExtensions, DebugUtilsExtension)
	}
	return out
}

func appendUnique(list []string, names ...string) []string {
	for _, n := range names {
		if !slices.Contains(list, n) {
			list = append(list, n)
		}
	}
	return list
}

// Options tune the runtime objects built on a Core.
type Options struct {
	FramesInFlight int
	// FenceTimeout bounds every fence wait. A timeout is reported as a lost
	// device.
	FenceTimeout time.Duration
	Allocator    gpualloc.Config
	// Registerer receives the Core metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

func DefaultOptions() Options {
	return Options{
		FramesInFlight: DefaultFramesInFlight,
		FenceTimeout:   DefaultFenceTimeout,
		Allocator:      gpualloc.DefaultConfig(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FramesInFlight <= 0 {
		o.FramesInFlight = def.FramesInFlight
	}
	if o.FenceTimeout <= 0 {
		o.FenceTimeout = def.FenceTimeout
	}
	return o
}
