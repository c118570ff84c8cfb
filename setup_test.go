package dieselcore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithoutValidation(t *testing.T) {
	in := Setup{
		InstanceExtensions: []string{"VK_KHR_surface"},
		DeviceExtensions:   []string{"VK_KHR_maintenance1"},
	}
	out := in.Resolve()

	assert.Equal(t, []string{"VK_KHR_surface"}, out.InstanceExtensions)
	assert.Equal(t, []string{"VK_KHR_maintenance1", SwapchainExtension}, out.DeviceExtensions)
	assert.Empty(t, out.InstanceLayers)
	assert.Empty(t, out.DeviceLayers)
	assert.Equal(t, []string{"VK_KHR_maintenance1"}, in.DeviceExtensions, "input untouched")
}

func TestResolveWithValidation(t *testing.T) {
	out := Setup{
		InstanceLayers:   []string{ValidationLayer},
		DeviceExtensions: []string{SwapchainExtension},
		Validation:       true,
	}.Resolve()

	assert.Equal(t, []string{ValidationLayer}, out.InstanceLayers)
	assert.Equal(t, []string{ValidationLayer}, out.DeviceLayers)
	assert.Equal(t, []string{DebugUtilsExtension}, out.InstanceExtensions)
	assert.Equal(t, []string{SwapchainExtension}, out.DeviceExtensions)
	assert.True(t, out.Validation)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{FramesInFlight: -1}.withDefaults()
	assert.Equal(t, DefaultFramesInFlight, opts.FramesInFlight)
	assert.Equal(t, DefaultFenceTimeout, opts.FenceTimeout)

	opts = Options{FramesInFlight: 3}.withDefaults()
	assert.Equal(t, 3, opts.FramesInFlight)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Allocations.Inc()
	m.AllocatedBytes.Add(256)
	m.FrameWait.Observe(0.01)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Allocations))
	assert.Equal(t, 256.0, testutil.ToFloat64(m.AllocatedBytes))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "second registration collides")

	unregistered, err := NewMetrics(nil)
	require.NoError(t, err)
	unregistered.Allocations.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(unregistered.Allocations))
}
