package dieselcore

import (
	"fmt"
	"strings"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

// PreferredSurfaceFormat is chosen whenever a surface offers it.
var PreferredSurfaceFormat = hal.SurfaceFormat{
	Format:     vk.FormatB8g8r8a8Srgb,
	ColorSpace: vk.ColorSpaceSrgbNonlinear,
}

const (
	graphicsQueue = vk.QueueFlags(vk.QueueGraphicsBit)
	utilityQueue  = vk.QueueFlags(vk.QueueComputeBit | vk.QueueTransferBit)
)

// HardwareSelection is the physical device picked for a surface together with
// the queue families and presentation settings that go with it. It is a value
// and is never mutated after QueryHardware returns it.
type HardwareSelection struct {
	PhysicalDevice      hal.PhysicalDevice
	Properties          hal.DeviceProperties
	GraphicsQueueFamily uint32
	UtilityQueueFamily  uint32
	Format              hal.SurfaceFormat
	PresentMode         vk.PresentMode
	Score               int
}

// QueueFamilies returns the distinct families the selection uses.
func (h HardwareSelection) QueueFamilies() []uint32 {
	if h.GraphicsQueueFamily == h.UtilityQueueFamily {
		return []uint32{h.GraphicsQueueFamily}
	}
	return []uint32{h.GraphicsQueueFamily, h.UtilityQueueFamily}
}

// HardwareScore ranks device types: discrete 2, integrated 1, anything else 0.
func HardwareScore(t vk.PhysicalDeviceType) int {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return 2
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return 1
	default:
		return 0
	}
}

// FindSurfaceQueueFamily returns the first family with graphics support that
// can present to surface.
func FindSurfaceQueueFamily(gpu hal.PhysicalDevice, surface hal.Surface) (uint32, bool, error) {
	for _, fam := range gpu.QueueFamilies() {
		if !fam.Supports(graphicsQueue) {
			continue
		}
		ok, res := gpu.SurfaceSupport(fam.Index, surface)
		if err := checkResult("vkGetPhysicalDeviceSurfaceSupportKHR", res); err != nil {
			return 0, false, err
		}
		if ok {
			return fam.Index, true, nil
		}
	}
	return 0, false, nil
}

// FindUtilityQueueFamily returns the first family with compute and transfer
// support.
func FindUtilityQueueFamily(gpu hal.PhysicalDevice) (uint32, bool) {
	for _, fam := range gpu.QueueFamilies() {
		if fam.Supports(utilityQueue) {
			return fam.Index, true
		}
	}
	return 0, false
}

// SelectSurfaceFormat takes PreferredSurfaceFormat when offered and otherwise
// the first format reported.
func SelectSurfaceFormat(formats []hal.SurfaceFormat) (hal.SurfaceFormat, error) {
	if len(formats) == 0 {
		return hal.SurfaceFormat{}, ErrNoSuitableSurfaceFormat
	}
	for _, f := range formats {
		if f == PreferredSurfaceFormat {
			return f, nil
		}
	}
	return formats[0], nil
}

// SelectPresentMode prefers mailbox and falls back to FIFO, which every
// surface supports.
func SelectPresentMode(modes []vk.PresentMode) vk.PresentMode {
	for _, m := range modes {
		if m == vk.PresentModeMailbox {
			return m
		}
	}
	return vk.PresentModeFifo
}

type rejection struct {
	device string
	err    error
}

// selectHardware evaluates one physical device against surface and required.
func selectHardware(gpu hal.PhysicalDevice, surface hal.Surface, required []string) (HardwareSelection, error) {
	props := gpu.Properties()
	graphics, ok, err := FindSurfaceQueueFamily(gpu, surface)
	if err != nil {
		return HardwareSelection{}, err
	}
	if !ok {
		return HardwareSelection{}, errors.New("no queue family supports graphics and presentation")
	}
	utility, ok := FindUtilityQueueFamily(gpu)
	if !ok {
		return HardwareSelection{}, errors.New("no queue family supports compute and transfer")
	}
	missing, err := CheckSupportedExtensions(gpu, required)
	if err != nil {
		return HardwareSelection{}, err
	}
	if len(missing) > 0 {
		return HardwareSelection{}, &UnsupportedExtensionError{Level: "device extension", Names: missing}
	}
	formats, res := gpu.SurfaceFormats(surface)
	if err := checkResult("vkGetPhysicalDeviceSurfaceFormatsKHR", res); err != nil {
		return HardwareSelection{}, err
	}
	format, err := SelectSurfaceFormat(formats)
	if err != nil {
		return HardwareSelection{}, err
	}
	modes, res := gpu.SurfacePresentModes(surface)
	if err := checkResult("vkGetPhysicalDeviceSurfacePresentModesKHR", res); err != nil {
		return HardwareSelection{}, err
	}
	return HardwareSelection{
		PhysicalDevice:      gpu,
		Properties:          props,
		GraphicsQueueFamily: graphics,
		UtilityQueueFamily:  utility,
		Format:              format,
		PresentMode:         SelectPresentMode(modes),
		Score:               HardwareScore(props.Type),
	}, nil
}

// QueryHardware picks the highest scoring physical device able to render to
// surface with the required device extensions. Equal scores keep the device
// enumerated first.
func QueryHardware(inst hal.Instance, surface hal.Surface, required []string) (HardwareSelection, error) {
	gpus, res := inst.PhysicalDevices()
	if err := checkResult("vkEnumeratePhysicalDevices", res); err != nil {
		return HardwareSelection{}, err
	}
	log := Logger()

	var best *HardwareSelection
	var rejected []rejection
	for _, gpu := range gpus {
		sel, err := selectHardware(gpu, surface, required)
		name := gpu.Properties().Name
		if err != nil {
			log.Debug("physical device rejected", zap.String("device", name), zap.Error(err))
			rejected = append(rejected, rejection{device: name, err: err})
			continue
		}
		log.Debug("physical device qualifies", zap.String("device", name), zap.Int("score", sel.Score))
		if best == nil || sel.Score > best.Score {
			best = &sel
		}
	}
	if best != nil {
		log.Info("selected physical device",
			zap.String("device", best.Properties.Name),
			zap.Int("score", best.Score),
			zap.Uint32("graphics_family", best.GraphicsQueueFamily),
			zap.Uint32("utility_family", best.UtilityQueueFamily),
			zap.Int32("format", int32(best.Format.Format)),
			zap.Int32("present_mode", int32(best.PresentMode)))
		return *best, nil
	}
	return HardwareSelection{}, noHardwareError(len(gpus), rejected)
}

func noHardwareError(total int, rejected []rejection) error {
	if total == 0 {
		return errors.Wrap(ErrNoSuitableHardware, "no physical devices found")
	}
	var (
		reasons   []string
		missing   []string
		formatErr bool
	)
	for _, r := range rejected {
		reasons = append(reasons, fmt.Sprintf("%s: %v", r.device, r.err))
		var unsupported *UnsupportedExtensionError
		if errors.As(r.err, &unsupported) {
			missing = appendUnique(missing, unsupported.Names...)
		}
		if errors.Is(r.err, ErrNoSuitableSurfaceFormat) {
			formatErr = true
		}
	}
	detail := strings.Join(reasons, "; ")
	switch {
	case formatErr:
		return errors.Wrap(ErrNoSuitableSurfaceFormat, detail)
	case len(missing) > 0:
		err := &UnsupportedExtensionError{Level: "device extension", Names: missing}
		return withKind(errors.Wrapf(err, "no suitable hardware (%s)", detail), ErrNoSuitableHardware)
	default:
		return errors.Wrap(ErrNoSuitableHardware, detail)
	}
}
