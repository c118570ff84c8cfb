package dieselcore

import (
	"fmt"
	"slices"
	"time"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

type frameSlot struct {
	semaphore hal.Semaphore
	fence     hal.Fence
	// inFlight is set once work signaling fence was submitted and cleared
	// when the fence has been waited on and reset.
	inFlight bool
	serial   uint64
}

// FrameSync cycles a fixed number of frame slots. Each slot owns a render
// finished semaphore and a fence. NextFrame blocks until the GPU is done
// with the slot it returns, which bounds how far the CPU runs ahead.
type FrameSync struct {
	core   *Core
	slots  []frameSlot
	index  int
	serial uint64
}

// Frame is the slot handed out by one NextFrame call.
type Frame struct {
	sync   *FrameSync
	index  int
	serial uint64
}

// NewFrameSync creates n slots. n <= 0 uses the Core's FramesInFlight.
func NewFrameSync(core *Core, n int) (_ *FrameSync, err error) {
	if n <= 0 {
		n = core.Options().FramesInFlight
	}
	dev := core.Device()
	fs := &FrameSync{slots: make([]frameSlot, 0, n), index: n - 1}
	defer func() {
		if err != nil {
			fs.destroySlots(dev)
		}
	}()
	for i := 0; i < n; i++ {
		sem, res := dev.CreateSemaphore()
		if err := checkResult("vkCreateSemaphore", res); err != nil {
			return nil, err
		}
		// Fences start signaled so the first wait on every slot returns at once.
		fence, res := dev.CreateFence(true)
		if err := checkResult("vkCreateFence", res); err != nil {
			dev.DestroySemaphore(sem)
			return nil, err
		}
		fs.slots = append(fs.slots, frameSlot{semaphore: sem, fence: fence, inFlight: true})
	}
	fs.core = core.Retain()
	return fs, nil
}

// Len is the number of frame slots.
func (f *FrameSync) Len() int { return len(f.slots) }

// NextFrame advances to the next slot, waits until its previous submission
// has completed and resets its fence.
func (f *FrameSync) NextFrame() (*Frame, error) {
	f.mustBeLive()
	f.index = (f.index + 1) % len(f.slots)
	slot := &f.slots[f.index]
	if slot.inFlight {
		if err := f.wait(f.index); err != nil {
			return nil, err
		}
		res := f.core.Device().ResetFences([]hal.Fence{slot.fence})
		if err := checkResult("vkResetFences", res); err != nil {
			return nil, err
		}
		slot.inFlight = false
	}
	f.serial++
	slot.serial = f.serial
	return &Frame{sync: f, index: f.index, serial: f.serial}, nil
}

// wait blocks on the fence of slot i. A timeout means the GPU stopped making
// progress and is reported as a lost device.
func (f *FrameSync) wait(i int) error {
	fence := f.slots[i].fence
	timeout := f.core.Options().FenceTimeout
	start := time.Now()
	res := f.core.Device().WaitForFences([]hal.Fence{fence}, true, timeout)
	f.core.Metrics().FrameWait.Observe(time.Since(start).Seconds())
	if res == vk.Timeout {
		err := errors.Wrapf(hal.Check("vkWaitForFences", res), "frame %d not done after %s", i, timeout)
		return withKind(err, ErrDeviceLost)
	}
	return checkResult("vkWaitForFences", res)
}

// waitSlot waits for the outstanding work of slot i without resetting its
// fence. Slots with nothing in flight return at once.
func (f *FrameSync) waitSlot(i int) error {
	if !f.slots[i].inFlight {
		return nil
	}
	return f.wait(i)
}

// Destroy waits for every slot still in flight and destroys the semaphores
// and fences.
func (f *FrameSync) Destroy() {
	f.mustBeLive()
	dev := f.core.Device()
	var pending []hal.Fence
	for _, s := range f.slots {
		if s.inFlight {
			pending = append(pending, s.fence)
		}
	}
	if len(pending) > 0 {
		res := dev.WaitForFences(pending, true, f.core.Options().FenceTimeout)
		if err := checkResult("vkWaitForFences", res); err != nil {
			Logger().Error("frames still in flight at teardown", zap.Error(err))
		}
	}
	f.destroySlots(dev)
	core := f.core
	f.core = nil
	core.Release()
}

func (f *FrameSync) destroySlots(dev hal.Device) {
	for _, s := range f.slots {
		dev.DestroyFence(s.fence)
		dev.DestroySemaphore(s.semaphore)
	}
	f.slots = nil
}

func (f *FrameSync) mustBeLive() {
	if f.core == nil {
		panic("dieselcore: use of a destroyed FrameSync")
	}
}

// Index is the slot number of the frame.
func (fr *Frame) Index() int { return fr.index }

func (fr *Frame) slot() *frameSlot {
	fr.sync.mustBeLive()
	s := &fr.sync.slots[fr.index]
	if s.serial != fr.serial {
		panic(fmt.Sprintf("dieselcore: frame %d used after its slot was handed out again", fr.index))
	}
	return s
}

// Semaphore is signaled when the frame's submission finishes. Present waits
// on it.
func (fr *Frame) Semaphore() hal.Semaphore { return fr.slot().semaphore }

// Fence is signaled when the frame's submission finishes.
func (fr *Frame) Fence() hal.Fence { return fr.slot().fence }

// Submit submits info to q, adding the frame semaphore to the signal list
// and signaling the frame fence. A frame can be submitted once.
func (fr *Frame) Submit(q hal.Queue, info hal.SubmitInfo) error {
	s := fr.slot()
	if s.inFlight {
		panic(fmt.Sprintf("dieselcore: frame %d submitted twice", fr.index))
	}
	info.SignalSemaphores = append(slices.Clip(info.SignalSemaphores), s.semaphore)
	res := fr.sync.core.Device().QueueSubmit(q, []hal.SubmitInfo{info}, s.fence)
	if err := checkResult("vkQueueSubmit", res); err != nil {
		return err
	}
	s.inFlight = true
	return nil
}
