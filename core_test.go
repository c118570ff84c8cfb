package dieselcore

import (
	"testing"
	"time"

	"github.com/andewx/dieselcore/gpualloc"
	"github.com/andewx/dieselcore/hal"
	"github.com/andewx/dieselcore/hal/haltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.FenceTimeout = 2 * time.Second
	opts.Allocator = gpualloc.Config{ChunkSize: 1 << 20, DedicatedThreshold: 512 << 10}
	return opts
}

func testSessionWith(t *testing.T, opts Options, gpus ...haltest.GPU) (*haltest.Backend, *Session) {
	t.Helper()
	if len(gpus) == 0 {
		gpus = []haltest.GPU{haltest.DiscreteGPU("discrete")}
	}
	backend := haltest.NewBackend(gpus...)
	s, err := Bootstrap(backend, ApplicationInfo{Name: "dieselcore test"}, Setup{}, haltest.NewWindow(), opts)
	require.NoError(t, err)
	return backend, s
}

func testSession(t *testing.T, gpus ...haltest.GPU) (*haltest.Backend, *Session) {
	t.Helper()
	return testSessionWith(t, testOptions(), gpus...)
}

// closeSession tears down a session that never handed its surface to a
// Windowed.
func closeSession(s *Session) {
	s.Core.Instance().DestroySurface(s.Surface)
	s.Core.Release()
}

func TestCoreQueuesFromOneFamily(t *testing.T) {
	backend, s := testSession(t)
	core := s.Core

	assert.Equal(t, uint32(0), core.GraphicsQueueFamily())
	assert.Equal(t, core.GraphicsQueueFamily(), core.UtilityQueueFamily())
	assert.Equal(t, core.GraphicsQueue(), core.UtilityQueue())
	require.Len(t, backend.Devices(), 1)
	assert.Equal(t, []uint32{0}, backend.Devices()[0].Info.QueueFamilies)

	closeSession(s)
	assert.Empty(t, backend.Live())
}

func TestCoreQueuesFromSeparateFamilies(t *testing.T) {
	backend, s := testSession(t, haltest.IntegratedGPU("integrated"))
	core := s.Core

	assert.Equal(t, uint32(0), core.GraphicsQueueFamily())
	assert.Equal(t, uint32(1), core.UtilityQueueFamily())
	assert.NotEqual(t, core.GraphicsQueue(), core.UtilityQueue())
	assert.Equal(t, []uint32{0, 1}, backend.Devices()[0].Info.QueueFamilies)

	closeSession(s)
	assert.Empty(t, backend.Live())
}

func TestCoreRefcount(t *testing.T) {
	backend, s := testSession(t)
	core := s.Core
	core.Instance().DestroySurface(s.Surface)

	core.Retain()
	core.Release()
	assert.Equal(t, 1, backend.LiveCount("device"), "core destroyed while still referenced")

	core.Release()
	assert.Empty(t, backend.Live())

	assert.Panics(t, func() { core.Release() })
	assert.Panics(t, func() { core.Retain() })
}

func TestCoreOutlivesItsObjects(t *testing.T) {
	backend, s := testSession(t)
	core := s.Core

	buf, err := NewBuffer(core, BufferParams{
		Info:  hal.BufferCreateInfo{Size: 4096},
		Usage: UsageUpload,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), core.LiveObjects())

	// The buffer holds its own reference, so dropping the session's
	// reference keeps the device alive.
	closeSession(s)
	assert.Equal(t, 1, backend.LiveCount("device"))
	assert.Equal(t, 1, backend.LiveCount("buffer"))

	buf.Free(core)
	assert.Empty(t, backend.Live())
}

func TestBootstrapUnwindsOnFailure(t *testing.T) {
	backend := haltest.NewBackend(haltest.DiscreteGPU("discrete"))
	backend.FailNext(haltest.CallCreateDevice, vk.ErrorInitializationFailed)

	_, err := Bootstrap(backend, ApplicationInfo{Name: "unwind"}, Setup{}, haltest.NewWindow(), testOptions())
	require.Error(t, err)
	var native *NativeError
	require.ErrorAs(t, err, &native)
	assert.Equal(t, haltest.CallCreateDevice, native.Call)
	assert.Empty(t, backend.Live())
}

func TestBootstrapMissingInstanceLayer(t *testing.T) {
	backend := haltest.NewBackend(haltest.DiscreteGPU("discrete"))
	backend.Layers = nil

	_, err := Bootstrap(backend, ApplicationInfo{Name: "validation"}, Setup{Validation: true}, haltest.NewWindow(), testOptions())
	var unsupported *UnsupportedExtensionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "instance layer", unsupported.Level)
	assert.Equal(t, []string{ValidationLayer}, unsupported.Names)
	assert.Empty(t, backend.Live())
}

func TestBootstrapMissingInstanceExtension(t *testing.T) {
	backend := haltest.NewBackend(haltest.DiscreteGPU("discrete"))
	window := haltest.NewWindow()
	window.Extensions = append(window.Extensions, "VK_KHR_wayland_surface")

	_, err := Bootstrap(backend, ApplicationInfo{Name: "wayland"}, Setup{}, window, testOptions())
	var unsupported *UnsupportedExtensionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "instance extension", unsupported.Level)
	assert.Equal(t, []string{"VK_KHR_wayland_surface"}, unsupported.Names)
}

func TestBootstrapValidationEnablesDebugReport(t *testing.T) {
	backend := haltest.NewBackend(haltest.DiscreteGPU("discrete"))
	s, err := Bootstrap(backend, ApplicationInfo{Name: "validation"}, Setup{Validation: true}, haltest.NewWindow(), testOptions())
	require.NoError(t, err)
	inst := s.Core.Instance().(*haltest.Instance)
	assert.True(t, inst.Info.DebugReport)
	assert.Contains(t, inst.Info.Layers, ValidationLayer)
	assert.Contains(t, inst.Info.Extensions, DebugUtilsExtension)
	assert.Contains(t, inst.Info.Extensions, DebugReportExtension)
	assert.Contains(t, backend.Devices()[0].Info.Layers, ValidationLayer)
	closeSession(s)
}
