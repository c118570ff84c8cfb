package dieselcore_test

import (
	"time"

	"github.com/andewx/dieselcore"
	"github.com/andewx/dieselcore/hal"
	"github.com/andewx/dieselcore/hal/haltest"
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	vk "github.com/vulkan-go/vulkan"
)

type presenter struct {
	backend  *haltest.Backend
	window   *haltest.Window
	session  *dieselcore.Session
	frames   *dieselcore.FrameSync
	windowed *dieselcore.Windowed
}

func newPresenter(gpu haltest.GPU) *presenter {
	p := &presenter{backend: haltest.NewBackend(gpu), window: haltest.NewWindow()}
	opts := dieselcore.DefaultOptions()
	opts.FenceTimeout = time.Second
	var err error
	p.session, err = dieselcore.Bootstrap(p.backend, dieselcore.ApplicationInfo{Name: "windowed"}, dieselcore.Setup{}, p.window, opts)
	Expect(err).NotTo(HaveOccurred())
	p.frames, err = dieselcore.NewFrameSync(p.session.Core, 2)
	Expect(err).NotTo(HaveOccurred())
	p.windowed = p.session.NewWindowed()
	return p
}

func (p *presenter) close() {
	p.windowed.Destroy()
	p.frames.Destroy()
	p.session.Core.Release()
}

func (p *presenter) device() *haltest.Device { return p.backend.Devices()[0] }

func (p *presenter) recreations() float64 {
	return testutil.ToFloat64(p.session.Core.Metrics().SwapchainRecreations)
}

// acquire starts a frame and acquires its image.
func (p *presenter) acquire() (*dieselcore.Frame, dieselcore.SwapchainImage, error) {
	frame, err := p.frames.NextFrame()
	Expect(err).NotTo(HaveOccurred())
	img, err := p.windowed.Acquire(frame)
	return frame, img, err
}

// finish submits work waiting on the image and presents it.
func (p *presenter) finish(frame *dieselcore.Frame, img dieselcore.SwapchainImage) error {
	Expect(frame.Submit(p.session.Core.GraphicsQueue(), hal.SubmitInfo{
		WaitSemaphores: []hal.Semaphore{img.Available},
		WaitStages:     []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
	})).To(Succeed())
	return p.windowed.Present(frame, img)
}

func (p *presenter) render() {
	frame, img, err := p.acquire()
	Expect(err).NotTo(HaveOccurred())
	Expect(p.finish(frame, img)).To(Succeed())
}

var _ = Describe("Windowed", func() {
	var p *presenter

	BeforeEach(func() {
		p = newPresenter(haltest.DiscreteGPU("discrete"))
	})

	AfterEach(func() {
		if p != nil {
			p.close()
			Expect(p.backend.Live()).To(BeEmpty())
		}
	})

	It("builds the swapchain on the first acquire", func() {
		Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))
		Expect(p.device().Swapchains()).To(BeEmpty())

		p.render()

		Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))
		Expect(p.windowed.Extent()).To(Equal(hal.Extent2D{Width: 800, Height: 600}))
		Expect(p.windowed.ImageCount()).To(Equal(3), "minimum image count plus one")
		Expect(p.windowed.ImageViews()).To(HaveLen(3))
		Expect(p.windowed.Format()).To(Equal(dieselcore.PreferredSurfaceFormat))
	})

	It("keeps the swapchain across steady state frames", func() {
		p.render()
		views := p.windowed.ImageViews()
		seen := map[uint32]bool{}
		for i := 0; i < 6; i++ {
			frame, img, err := p.acquire()
			Expect(err).NotTo(HaveOccurred())
			Expect(img.View).To(Equal(views[img.Index]))
			seen[img.Index] = true
			Expect(p.finish(frame, img)).To(Succeed())
		}
		Expect(seen).To(HaveLen(3))
		Expect(p.recreations()).To(BeZero())
		Expect(p.device().Swapchains()).To(HaveLen(1))
	})

	Context("when acquire reports out of date", func() {
		It("tears down and rebuilds before returning an image", func() {
			p.render()
			oldViews := p.windowed.ImageViews()
			oldChain := p.device().Swapchains()[0]

			p.backend.FailNext(haltest.CallAcquireNextImage, vk.ErrorOutOfDate)
			frame, img, err := p.acquire()
			Expect(err).NotTo(HaveOccurred())
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))

			newViews := p.windowed.ImageViews()
			Expect(newViews).To(ContainElement(img.View))
			for _, v := range oldViews {
				Expect(newViews).NotTo(ContainElement(v))
				Expect(p.backend.IsLive(uint64(v))).To(BeFalse(), "stale view %v still alive", v)
			}
			Expect(p.backend.IsLive(uint64(oldChain))).To(BeFalse())
			Expect(p.device().Swapchains()).To(HaveLen(1))
			Expect(p.recreations()).To(Equal(1.0))

			Expect(p.finish(frame, img)).To(Succeed())
		})

		It("gives up when the surface stays out of date", func() {
			p.render()
			for i := 0; i < 3; i++ {
				p.backend.FailNext(haltest.CallAcquireNextImage, vk.ErrorOutOfDate)
			}
			_, _, err := p.acquire()
			Expect(err).To(MatchError(dieselcore.ErrSwapchainOutOfDate))
			Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))
			Expect(p.windowed.ImageViews()).To(BeEmpty())
			Expect(p.backend.LiveCount("swapchain")).To(BeZero())
			Expect(p.recreations()).To(Equal(3.0))

			p.render()
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))
		})
	})

	It("accepts a suboptimal acquire", func() {
		p.render()
		p.backend.FailNext(haltest.CallAcquireNextImage, vk.Suboptimal)
		p.render()
		Expect(p.recreations()).To(BeZero())
	})

	Context("when present reports out of date", func() {
		It("goes back to uninitialized without an error", func() {
			p.render()
			frame, img, err := p.acquire()
			Expect(err).NotTo(HaveOccurred())

			p.backend.FailNext(haltest.CallQueuePresent, vk.ErrorOutOfDate)
			Expect(p.finish(frame, img)).To(Succeed())
			Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))
			Expect(p.windowed.ImageViews()).To(BeEmpty())
			Expect(p.backend.IsLive(uint64(img.View))).To(BeFalse())

			p.render()
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))
		})

		It("treats suboptimal the same way", func() {
			p.render()
			frame, img, err := p.acquire()
			Expect(err).NotTo(HaveOccurred())
			p.backend.FailNext(haltest.CallQueuePresent, vk.Suboptimal)
			Expect(p.finish(frame, img)).To(Succeed())
			Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))
		})
	})

	Context("when the device reports another error", func() {
		It("returns acquire failures as native errors", func() {
			p.render()
			p.backend.FailNext(haltest.CallAcquireNextImage, vk.ErrorSurfaceLost)
			_, _, err := p.acquire()

			var native *dieselcore.NativeError
			Expect(errors.As(err, &native)).To(BeTrue())
			Expect(native.Call).To(Equal("vkAcquireNextImageKHR"))
			Expect(native.Result).To(Equal(vk.ErrorSurfaceLost))
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))
		})

		It("returns present failures as native errors", func() {
			frame, img, err := p.acquire()
			Expect(err).NotTo(HaveOccurred())
			p.backend.FailNext(haltest.CallQueuePresent, vk.ErrorDeviceLost)

			err = p.finish(frame, img)
			var native *dieselcore.NativeError
			Expect(errors.As(err, &native)).To(BeTrue())
			Expect(native.Call).To(Equal("vkQueuePresentKHR"))
			Expect(err).To(MatchError(dieselcore.ErrDeviceLost))
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))
		})
	})

	Context("when the window is resized", func() {
		It("rebuilds with the new extent after Invalidate", func() {
			p.render()
			p.backend.SetExtent(1024, 768)
			p.windowed.Invalidate()
			Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))

			p.render()
			Expect(p.windowed.Extent()).To(Equal(hal.Extent2D{Width: 1024, Height: 768}))
		})

		It("destroys the swapchain on Invalidate", func() {
			p.render()
			old := p.device().Swapchains()[0]
			p.windowed.Invalidate()

			Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))
			Expect(p.backend.LiveCount("swapchain")).To(BeZero())
			Expect(p.backend.LiveCount("image-view")).To(BeZero())
			Expect(p.backend.IsLive(uint64(old))).To(BeFalse())
		})

		It("keeps the teardown deferred when the owner wait fails", func() {
			// three images over two slots: the fourth acquire lands on an
			// image last rendered by the other slot
			for i := 0; i < 3; i++ {
				p.render()
			}
			frame, err := p.frames.NextFrame()
			Expect(err).NotTo(HaveOccurred())
			p.backend.FailNext(haltest.CallWaitForFences, vk.ErrorDeviceLost)
			_, err = p.windowed.Acquire(frame)
			Expect(err).To(MatchError(dieselcore.ErrDeviceLost))

			p.windowed.Invalidate()
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady), "image still acquired")
			Expect(p.backend.LiveCount("swapchain")).To(Equal(1))

			p.render()
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))
			Expect(p.recreations()).To(Equal(1.0))
		})

		It("defers the teardown until the outstanding image is presented", func() {
			frame, img, err := p.acquire()
			Expect(err).NotTo(HaveOccurred())
			p.windowed.Invalidate()
			Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))

			Expect(p.finish(frame, img)).To(Succeed())
			Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))
		})

		It("reports a minimised window as unavailable", func() {
			p.render()
			p.backend.SetExtent(0, 0)
			p.windowed.Invalidate()

			_, _, err := p.acquire()
			Expect(err).To(MatchError(dieselcore.ErrSurfaceUnavailable))
			Expect(p.windowed.State()).To(Equal(dieselcore.StateUninitialized))
			Expect(p.backend.LiveCount("swapchain")).To(BeZero(), "nothing presentable while minimised")

			p.backend.SetExtent(640, 480)
			p.render()
			Expect(p.windowed.Extent()).To(Equal(hal.Extent2D{Width: 640, Height: 480}))
			Expect(p.device().Swapchains()).To(HaveLen(1))
		})
	})

	It("recovers from a frame that never presented", func() {
		p.render()
		_, _, err := p.acquire()
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 4; i++ {
			p.render()
		}
		Expect(p.windowed.State()).To(Equal(dieselcore.StateReady))
	})
})

var _ = Describe("Windowed extent selection", func() {
	It("uses the framebuffer size when the surface leaves it open", func() {
		gpu := haltest.DiscreteGPU("undefined extent")
		gpu.Capabilities.CurrentExtent = hal.Extent2D{Width: hal.UndefinedExtent, Height: hal.UndefinedExtent}
		gpu.Capabilities.MaxImageExtent = hal.Extent2D{Width: 1280, Height: 1280}
		p := newPresenter(gpu)
		defer p.close()

		p.window.Width, p.window.Height = 1920, 1080
		p.render()
		Expect(p.windowed.Extent()).To(Equal(hal.Extent2D{Width: 1280, Height: 1080}))
	})

	It("clamps the image count to the surface maximum", func() {
		gpu := haltest.DiscreteGPU("two images")
		gpu.Capabilities.MaxImageCount = 2
		p := newPresenter(gpu)
		defer p.close()

		p.render()
		Expect(p.windowed.ImageCount()).To(Equal(2))
	})
})
