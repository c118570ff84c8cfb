package haltest

import (
	"time"

	"github.com/andewx/dieselcore/hal"
	vk "github.com/vulkan-go/vulkan"
)

func newFence(signaled bool) *fence {
	f := &fence{signaled: signaled, done: make(chan struct{})}
	if signaled {
		close(f.done)
	}
	return f
}

func (d *Device) CreateFence(signaled bool) (hal.Fence, vk.Result) {
	h := hal.Fence(d.b.create("fence"))
	d.b.mu.Lock()
	d.fences[h] = newFence(signaled)
	d.b.mu.Unlock()
	return h, vk.Success
}

func (d *Device) DestroyFence(f hal.Fence) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.destroyLocked("fence", uint64(f))
	delete(d.fences, f)
}

func (d *Device) FenceStatus(f hal.Fence) vk.Result {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.checkLiveLocked("fence", uint64(f))
	if d.fences[f].signaled {
		return vk.Success
	}
	return vk.NotReady
}

func (d *Device) ResetFences(fences []hal.Fence) vk.Result {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	for _, h := range fences {
		d.b.checkLiveLocked("fence", uint64(h))
		f := d.fences[h]
		if f.pending {
			panic("haltest: reset of a fence still owned by the queue")
		}
		if f.signaled {
			f.signaled = false
			f.done = make(chan struct{})
		}
	}
	return vk.Success
}

// WaitForFences blocks until the fences signal or timeout elapses.
func (d *Device) WaitForFences(fences []hal.Fence, waitAll bool, timeout time.Duration) vk.Result {
	if res := d.b.injected(CallWaitForFences); res != vk.Success {
		return res
	}
	d.b.mu.Lock()
	chans := make([]chan struct{}, 0, len(fences))
	for _, h := range fences {
		d.b.checkLiveLocked("fence", uint64(h))
		chans = append(chans, d.fences[h].done)
	}
	d.b.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	if waitAll {
		for _, ch := range chans {
			select {
			case <-ch:
			case <-deadline.C:
				return vk.Timeout
			}
		}
		return vk.Success
	}
	first := make(chan struct{}, len(chans))
	stop := make(chan struct{})
	defer close(stop)
	for _, ch := range chans {
		go func(ch chan struct{}) {
			select {
			case <-ch:
				first <- struct{}{}
			case <-stop:
			}
		}(ch)
	}
	select {
	case <-first:
		return vk.Success
	case <-deadline.C:
		return vk.Timeout
	}
}

func (d *Device) signal(h hal.Fence) {
	d.b.mu.Lock()
	f, ok := d.fences[h]
	if !ok {
		d.b.mu.Unlock()
		return
	}
	f.pending = false
	f.signaled = true
	close(f.done)
	hook := d.b.onSignal
	d.b.mu.Unlock()
	if hook != nil {
		hook(h)
	}
}

// QueueSubmit accepts the work and signals fence after the submit latency.
func (d *Device) QueueSubmit(q hal.Queue, submits []hal.SubmitInfo, fence hal.Fence) vk.Result {
	if res := d.b.injected(CallQueueSubmit); res != vk.Success {
		return res
	}
	d.b.mu.Lock()
	for _, s := range submits {
		for _, cmd := range s.CommandBuffers {
			d.b.checkLiveLocked("command-buffer", uint64(cmd))
		}
		for _, sem := range s.WaitSemaphores {
			d.b.checkLiveLocked("semaphore", uint64(sem))
		}
		for _, sem := range s.SignalSemaphores {
			d.b.checkLiveLocked("semaphore", uint64(sem))
		}
	}
	d.b.submissions++
	if fence == 0 {
		d.b.mu.Unlock()
		return vk.Success
	}
	d.b.checkLiveLocked("fence", uint64(fence))
	f := d.fences[fence]
	if f.signaled || f.pending {
		d.b.mu.Unlock()
		panic("haltest: submit with a fence that was not reset")
	}
	f.pending = true
	latency, hung := d.b.latency, d.b.hung
	d.b.mu.Unlock()

	switch {
	case hung:
	case latency == 0:
		d.signal(fence)
	default:
		time.AfterFunc(latency, func() { d.signal(fence) })
	}
	return vk.Success
}
