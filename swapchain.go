package dieselcore

import (
	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"
)

// swapchain is one generation of presentable images with their views.
type swapchain struct {
	handle hal.Swapchain
	extent hal.Extent2D
	images []hal.Image
	views  []hal.ImageView
}

// swapchainExtent matches the extent to the surface. Surfaces that leave the
// size to the swapchain get the window's framebuffer size clamped to the
// supported range.
func swapchainExtent(caps hal.SurfaceCapabilities, window hal.Window) hal.Extent2D {
	if caps.CurrentExtent.Width != hal.UndefinedExtent {
		return caps.CurrentExtent
	}
	w, h := window.FramebufferSize()
	return hal.Extent2D{
		Width:  clampExtent(uint32(max(w, 0)), caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clampExtent(uint32(max(h, 0)), caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func clampExtent(v, lo, hi uint32) uint32 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// swapchainImageCount asks for one image more than the minimum.
func swapchainImageCount(caps hal.SurfaceCapabilities) uint32 {
	count := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	return count
}

func swapchainTransform(caps hal.SurfaceCapabilities) vk.SurfaceTransformFlagBits {
	if vk.SurfaceTransformFlagBits(caps.SupportedTransforms)&vk.SurfaceTransformIdentityBit != 0 {
		return vk.SurfaceTransformIdentityBit
	}
	return caps.CurrentTransform
}

// One of these is guaranteed to be supported.
var compositeAlphaOrder = []vk.CompositeAlphaFlagBits{
	vk.CompositeAlphaOpaqueBit,
	vk.CompositeAlphaPreMultipliedBit,
	vk.CompositeAlphaPostMultipliedBit,
	vk.CompositeAlphaInheritBit,
}

func swapchainCompositeAlpha(caps hal.SurfaceCapabilities) vk.CompositeAlphaFlagBits {
	for _, a := range compositeAlphaOrder {
		if caps.SupportedCompositeAlpha&vk.CompositeAlphaFlags(a) != 0 {
			return a
		}
	}
	return vk.CompositeAlphaOpaqueBit
}

// createSwapchain builds a swapchain for surface and a colour view per image.
// Any previous swapchain is already destroyed, so no OldSwapchain is passed.
func createSwapchain(core *Core, surface hal.Surface, hw HardwareSelection, window hal.Window) (*swapchain, error) {
	caps, res := hw.PhysicalDevice.SurfaceCapabilities(surface)
	if err := checkResult("vkGetPhysicalDeviceSurfaceCapabilitiesKHR", res); err != nil {
		return nil, err
	}
	extent := swapchainExtent(caps, window)
	if extent.Empty() {
		return nil, errors.Wrapf(ErrSurfaceUnavailable, "extent %dx%d", extent.Width, extent.Height)
	}

	usage := vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	if caps.SupportedUsage&vk.ImageUsageFlags(vk.ImageUsageTransferDstBit) != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)
	}

	dev := core.Device()
	handle, res := dev.CreateSwapchain(hal.SwapchainCreateInfo{
		Surface:        surface,
		MinImageCount:  swapchainImageCount(caps),
		Format:         hw.Format,
		Extent:         extent,
		Usage:          usage,
		SharingMode:    vk.SharingModeExclusive,
		PreTransform:   swapchainTransform(caps),
		CompositeAlpha: swapchainCompositeAlpha(caps),
		PresentMode:    hw.PresentMode,
		Clipped:        true,
	})
	if err := checkResult("vkCreateSwapchainKHR", res); err != nil {
		return nil, err
	}
	sc := &swapchain{handle: handle, extent: extent}

	sc.images, res = dev.SwapchainImages(handle)
	if err := checkResult("vkGetSwapchainImagesKHR", res); err != nil {
		sc.destroy(dev)
		return nil, err
	}
	for _, img := range sc.images {
		view, res := dev.CreateImageView(hal.ImageViewCreateInfo{
			Image:      img,
			ViewType:   vk.ImageViewType2d,
			Format:     hw.Format.Format,
			Aspect:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevels:  1,
			LayerCount: 1,
		})
		if err := checkResult("vkCreateImageView", res); err != nil {
			sc.destroy(dev)
			return nil, err
		}
		sc.views = append(sc.views, view)
	}
	return sc, nil
}

// destroy drops the views before the swapchain that owns their images.
func (sc *swapchain) destroy(dev hal.Device) {
	for _, v := range sc.views {
		dev.DestroyImageView(v)
	}
	sc.views = nil
	sc.images = nil
	if sc.handle != 0 {
		dev.DestroySwapchain(sc.handle)
		sc.handle = 0
	}
}
