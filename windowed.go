package dieselcore

import (
	"fmt"
	"slices"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

// SwapchainState is the presentation state of a Windowed.
type SwapchainState int

const (
	// StateUninitialized has no swapchain. The next Acquire builds one.
	StateUninitialized SwapchainState = iota
	// StateReady has a swapchain with a view per image.
	StateReady
)

func (s SwapchainState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("SwapchainState(%d)", int(s))
}

// maxAcquireAttempts bounds how often one Acquire rebuilds a swapchain that
// keeps coming back out of date.
const maxAcquireAttempts = 3

// SwapchainImage is an acquired presentable image. Work rendering into it
// waits on Available.
type SwapchainImage struct {
	Index     uint32
	Image     hal.Image
	View      hal.ImageView
	Available hal.Semaphore

	swapchain hal.Swapchain
}

// Windowed presents to a surface. It owns the swapchain, the per image views
// and the image available semaphores, and rebuilds them whenever the surface
// reports out of date.
type Windowed struct {
	core    *Core
	surface hal.Surface
	hw      HardwareSelection
	window  hal.Window

	state SwapchainState
	chain *swapchain

	// available holds one image available semaphore per frame slot.
	// signaled marks those an acquire signaled that no present consumed yet.
	available []hal.Semaphore
	signaled  []bool
	// owners holds the frame slot that last rendered into each image, or -1.
	owners []int

	outstanding bool
	stale       bool
}

// NewWindowed takes ownership of surface. The swapchain is built on the
// first Acquire.
func NewWindowed(core *Core, surface hal.Surface, hw HardwareSelection, window hal.Window) *Windowed {
	return &Windowed{
		core:    core.Retain(),
		surface: surface,
		hw:      hw,
		window:  window,
	}
}

func (w *Windowed) State() SwapchainState { return w.state }

func (w *Windowed) Format() hal.SurfaceFormat { return w.hw.Format }

// Extent is the size of the current swapchain, zero when there is none.
func (w *Windowed) Extent() hal.Extent2D {
	if w.chain == nil {
		return hal.Extent2D{}
	}
	return w.chain.extent
}

// ImageCount is the number of images in the current swapchain.
func (w *Windowed) ImageCount() int {
	if w.chain == nil {
		return 0
	}
	return len(w.chain.images)
}

// ImageViews returns the views of the current swapchain images.
func (w *Windowed) ImageViews() []hal.ImageView {
	if w.chain == nil {
		return nil
	}
	return slices.Clone(w.chain.views)
}

func (w *Windowed) mustBeLive() {
	if w.core == nil {
		panic("dieselcore: use of a destroyed Windowed")
	}
}

// Acquire returns the next presentable image for frame, building the
// swapchain first when there is none. An out of date swapchain is torn down
// and rebuilt transparently.
func (w *Windowed) Acquire(frame *Frame) (SwapchainImage, error) {
	w.mustBeLive()
	if w.stale {
		w.teardown("invalidated")
	}
	dev := w.core.Device()
	for attempt := 1; ; attempt++ {
		if w.state == StateUninitialized {
			if err := w.build(); err != nil {
				return SwapchainImage{}, err
			}
		}
		sem, err := w.availableSemaphore(frame.Index())
		if err != nil {
			return SwapchainImage{}, err
		}
		idx, res := dev.AcquireNextImage(w.chain.handle, w.core.Options().FenceTimeout, sem)
		switch res {
		case vk.Success, vk.Suboptimal:
		case vk.ErrorOutOfDate:
			w.teardown("acquire out of date")
			if attempt >= maxAcquireAttempts {
				return SwapchainImage{}, errors.Wrapf(checkResult("vkAcquireNextImageKHR", res),
					"swapchain still out of date after %d rebuilds", attempt-1)
			}
			continue
		case vk.Timeout, vk.NotReady:
			err := errors.Wrap(hal.Check("vkAcquireNextImageKHR", res), "no presentable image")
			return SwapchainImage{}, withKind(err, ErrDeviceLost)
		default:
			return SwapchainImage{}, checkResult("vkAcquireNextImageKHR", res)
		}
		w.signaled[frame.Index()] = true
		w.outstanding = true

		if owner := w.owners[idx]; owner >= 0 && owner != frame.Index() {
			if err := frame.sync.waitSlot(owner); err != nil {
				return SwapchainImage{}, err
			}
		}
		w.owners[idx] = frame.Index()
		return SwapchainImage{
			Index:     idx,
			Image:     w.chain.images[idx],
			View:      w.chain.views[idx],
			Available: sem,
			swapchain: w.chain.handle,
		}, nil
	}
}

// Present queues img for display once frame's submission is done. Out of
// date and suboptimal results tear the swapchain down and are not errors.
func (w *Windowed) Present(frame *Frame, img SwapchainImage) error {
	w.mustBeLive()
	if w.chain == nil || img.swapchain != w.chain.handle {
		panic("dieselcore: Present of an image from another swapchain")
	}
	w.outstanding = false
	w.signaled[frame.Index()] = false
	res := w.core.Device().QueuePresent(w.core.GraphicsQueue(), hal.PresentInfo{
		WaitSemaphores: []hal.Semaphore{frame.Semaphore()},
		Swapchain:      img.swapchain,
		ImageIndex:     img.Index,
	})
	switch res {
	case vk.Success:
		if w.stale {
			w.teardown("invalidated")
		}
		return nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		w.teardown("present " + hal.Describe(res))
		return nil
	}
	return checkResult("vkQueuePresentKHR", res)
}

// Invalidate drops the swapchain, for example after a window resize. With an
// image outstanding the teardown happens once it is presented.
func (w *Windowed) Invalidate() {
	w.mustBeLive()
	if w.outstanding {
		w.stale = true
		return
	}
	w.teardown("invalidated")
}

func (w *Windowed) availableSemaphore(slot int) (hal.Semaphore, error) {
	dev := w.core.Device()
	for len(w.available) <= slot {
		w.available = append(w.available, 0)
		w.signaled = append(w.signaled, false)
	}
	// An acquire whose image was never presented leaves its semaphore
	// signaled. The frame's fence wait guarantees nothing uses it anymore.
	if w.available[slot] != 0 && w.signaled[slot] {
		dev.DestroySemaphore(w.available[slot])
		w.available[slot] = 0
		w.signaled[slot] = false
	}
	if w.available[slot] == 0 {
		sem, res := dev.CreateSemaphore()
		if err := checkResult("vkCreateSemaphore", res); err != nil {
			return 0, err
		}
		w.available[slot] = sem
	}
	return w.available[slot], nil
}

func (w *Windowed) build() error {
	chain, err := createSwapchain(w.core, w.surface, w.hw, w.window)
	if err != nil {
		return err
	}
	w.chain = chain
	w.owners = make([]int, len(chain.images))
	for i := range w.owners {
		w.owners[i] = -1
	}
	w.state = StateReady
	Logger().Info("swapchain ready",
		zap.Stringer("swapchain", chain.handle),
		zap.Uint32("width", chain.extent.Width),
		zap.Uint32("height", chain.extent.Height),
		zap.Int("images", len(chain.images)))
	return nil
}

// teardown waits for the device and destroys the swapchain with its views
// and semaphores. Nothing presentable outlives StateReady.
func (w *Windowed) teardown(reason string) {
	w.stale = false
	if w.state != StateReady {
		return
	}
	dev := w.core.Device()
	if err := checkResult("vkDeviceWaitIdle", dev.WaitIdle()); err != nil {
		Logger().Error("device not idle before swapchain teardown", zap.Error(err))
	}
	w.destroySemaphores()
	w.chain.destroy(dev)
	w.chain = nil
	w.owners = nil
	w.outstanding = false
	w.state = StateUninitialized
	w.core.Metrics().SwapchainRecreations.Inc()
	Logger().Info("swapchain torn down", zap.String("reason", reason))
}

func (w *Windowed) destroySemaphores() {
	dev := w.core.Device()
	for _, s := range w.available {
		if s != 0 {
			dev.DestroySemaphore(s)
		}
	}
	w.available = nil
	w.signaled = nil
}

// Destroy releases the swapchain, the surface and the Core reference.
func (w *Windowed) Destroy() {
	w.mustBeLive()
	dev := w.core.Device()
	if err := checkResult("vkDeviceWaitIdle", dev.WaitIdle()); err != nil {
		Logger().Error("device not idle before presentation teardown", zap.Error(err))
	}
	w.destroySemaphores()
	if w.chain != nil {
		w.chain.destroy(dev)
		w.chain = nil
	}
	w.core.Instance().DestroySurface(w.surface)
	w.state = StateUninitialized
	core := w.core
	w.core = nil
	core.Release()
}
