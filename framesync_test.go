package dieselcore

import (
	"sync"
	"testing"
	"time"

	"github.com/andewx/dieselcore/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSyncCyclesSlots(t *testing.T) {
	backend, s := testSession(t)
	defer closeSession(s)

	fs, err := NewFrameSync(s.Core, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultFramesInFlight, fs.Len())

	var got []int
	for i := 0; i < 5; i++ {
		f, err := fs.NextFrame()
		require.NoError(t, err)
		got = append(got, f.Index())
		require.NoError(t, f.Submit(s.Core.GraphicsQueue(), hal.SubmitInfo{}))
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0}, got)
	assert.Equal(t, 5, backend.Submissions())

	fs.Destroy()
	assert.Zero(t, backend.LiveCount("fence"))
	assert.Zero(t, backend.LiveCount("semaphore"))
}

func TestNextFrameWaitsForSlotReuse(t *testing.T) {
	const latency = 80 * time.Millisecond
	backend, s := testSession(t)
	defer closeSession(s)
	q := s.Core.GraphicsQueue()

	var mu sync.Mutex
	var signals []hal.Fence
	backend.OnFenceSignal(func(f hal.Fence) {
		mu.Lock()
		signals = append(signals, f)
		mu.Unlock()
	})
	backend.SetSubmitLatency(latency)

	fs, err := NewFrameSync(s.Core, 2)
	require.NoError(t, err)
	defer fs.Destroy()

	f0, err := fs.NextFrame()
	require.NoError(t, err)
	first := f0.Fence()
	submitted := time.Now()
	require.NoError(t, f0.Submit(q, hal.SubmitInfo{}))

	f1, err := fs.NextFrame()
	require.NoError(t, err)
	second := f1.Fence()
	require.NoError(t, f1.Submit(q, hal.SubmitInfo{}))

	// Frame 2 reuses frame 0's slot and cannot start before its fence.
	f2, err := fs.NextFrame()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(submitted), latency)
	assert.Equal(t, 0, f2.Index())
	assert.Equal(t, first, f2.Fence())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(signals) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []hal.Fence{first, second}, signals)
	mu.Unlock()
}

func TestAbandonedFrameDoesNotBlock(t *testing.T) {
	_, s := testSession(t)
	defer closeSession(s)

	fs, err := NewFrameSync(s.Core, 2)
	require.NoError(t, err)
	defer fs.Destroy()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			_, err := fs.NextFrame()
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frames that were never submitted blocked NextFrame")
	}
}

func TestHungQueueIsDeviceLost(t *testing.T) {
	opts := testOptions()
	opts.FenceTimeout = 30 * time.Millisecond
	backend, s := testSessionWith(t, opts)
	defer closeSession(s)

	fs, err := NewFrameSync(s.Core, 2)
	require.NoError(t, err)
	defer fs.Destroy()

	backend.Hang()
	for i := 0; i < 2; i++ {
		f, err := fs.NextFrame()
		require.NoError(t, err)
		require.NoError(t, f.Submit(s.Core.GraphicsQueue(), hal.SubmitInfo{}))
	}
	_, err = fs.NextFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceLost)
	var native *NativeError
	assert.ErrorAs(t, err, &native)
}

func TestFrameMisuse(t *testing.T) {
	_, s := testSession(t)
	defer closeSession(s)
	q := s.Core.GraphicsQueue()

	fs, err := NewFrameSync(s.Core, 2)
	require.NoError(t, err)

	f, err := fs.NextFrame()
	require.NoError(t, err)
	require.NoError(t, f.Submit(q, hal.SubmitInfo{}))
	assert.Panics(t, func() { _ = f.Submit(q, hal.SubmitInfo{}) }, "second submit")

	_, err = fs.NextFrame()
	require.NoError(t, err)
	_, err = fs.NextFrame()
	require.NoError(t, err)
	assert.Panics(t, func() { f.Semaphore() }, "frame whose slot was handed out again")

	fs.Destroy()
	assert.Panics(t, func() { _, _ = fs.NextFrame() })
}

func TestSubmitKeepsCallerSignalList(t *testing.T) {
	_, s := testSession(t)
	defer closeSession(s)
	dev := s.Core.Device()

	extra, _ := dev.CreateSemaphore()
	defer dev.DestroySemaphore(extra)
	fs, err := NewFrameSync(s.Core, 2)
	require.NoError(t, err)
	defer fs.Destroy()

	signals := make([]hal.Semaphore, 1, 4)
	signals[0] = extra
	f, err := fs.NextFrame()
	require.NoError(t, err)
	require.NoError(t, f.Submit(s.Core.GraphicsQueue(), hal.SubmitInfo{SignalSemaphores: signals}))
	assert.Equal(t, []hal.Semaphore{extra}, signals)
	assert.Equal(t, hal.Semaphore(0), signals[:2][1], "frame semaphore written into the caller's backing array")
}
