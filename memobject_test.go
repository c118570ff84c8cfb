package dieselcore

import (
	"runtime"
	"testing"
	"time"

	"github.com/andewx/dieselcore/hal"
	"github.com/andewx/dieselcore/hal/haltest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"
)

func colorImage(width, height uint32) hal.ImageCreateInfo {
	return hal.ImageCreateInfo{
		Type:        vk.ImageType2d,
		Format:      vk.FormatR8g8b8a8Unorm,
		Extent:      hal.Extent3D{Width: width, Height: height, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
		Samples:     vk.SampleCount1Bit,
		Tiling:      vk.ImageTilingOptimal,
		Usage:       vk.ImageUsageFlags(vk.ImageUsageSampledBit),
	}
}

func TestBufferFreeOnce(t *testing.T) {
	backend, s := testSession(t)
	core := s.Core
	defer closeSession(s)

	buf, err := NewBuffer(core, BufferParams{Info: hal.BufferCreateInfo{Size: 1000}, Usage: UsageUpload})
	require.NoError(t, err)
	assert.True(t, backend.IsLive(uint64(buf.Handle())))
	assert.GreaterOrEqual(t, buf.Memory().Size(), uint64(1000))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.Metrics().LiveObjects))

	handle := buf.Handle()
	buf.Free(core)
	assert.False(t, backend.IsLive(uint64(handle)))
	assert.Zero(t, core.LiveObjects())
	assert.Zero(t, backend.LiveCount("memory"))

	assert.Panics(t, func() { buf.Free(core) }, "second free")
	assert.Panics(t, func() { buf.Handle() }, "use after free")
	assert.Panics(t, func() { buf.Memory() }, "use after free")
}

func TestFreeThroughForeignCore(t *testing.T) {
	_, s := testSession(t)
	_, other := testSession(t)
	defer closeSession(s)
	defer closeSession(other)

	buf, err := NewBuffer(s.Core, BufferParams{Info: hal.BufferCreateInfo{Size: 64}})
	require.NoError(t, err)
	assert.Panics(t, func() { buf.Free(other.Core) })
	buf.Free(s.Core)
}

func TestBufferMap(t *testing.T) {
	_, s := testSession(t)
	defer closeSession(s)

	buf, err := NewBuffer(s.Core, BufferParams{Info: hal.BufferCreateInfo{Size: 512}, Usage: UsageUpload})
	require.NoError(t, err)
	data, err := buf.Map()
	require.NoError(t, err)
	assert.Len(t, data, int(buf.Memory().Size()))
	require.NoError(t, buf.Unmap())
	buf.Free(s.Core)
}

func TestImageWithView(t *testing.T) {
	backend, s := testSession(t)
	core := s.Core
	defer closeSession(s)

	img, err := NewImage(core, ImageParams{
		Info:  colorImage(64, 64),
		Usage: UsageFastDeviceAccess,
		View: &hal.ImageViewCreateInfo{
			ViewType:   vk.ImageViewType2d,
			Format:     vk.FormatR8g8b8a8Unorm,
			Aspect:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevels:  1,
			LayerCount: 1,
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, img.View())
	assert.Equal(t, 1, backend.LiveCount("image"))
	assert.Equal(t, 1, backend.LiveCount("image-view"))
	assert.Equal(t, 64*64*4, int(img.Memory().Size()))

	img.Free(core)
	assert.Zero(t, backend.LiveCount("image"))
	assert.Zero(t, backend.LiveCount("image-view"))
	assert.Panics(t, func() { img.View() })
}

func TestImageWithoutView(t *testing.T) {
	backend, s := testSession(t)
	defer closeSession(s)

	img, err := NewImage(s.Core, ImageParams{Info: colorImage(16, 16)})
	require.NoError(t, err)
	assert.Zero(t, img.View())
	assert.Zero(t, backend.LiveCount("image-view"))
	img.Free(s.Core)
}

func TestCreateFailuresLeaveNothingBehind(t *testing.T) {
	cases := []struct {
		name   string
		inject func(*haltest.Backend)
		create func(*Core) error
	}{
		{
			name:   "buffer bind fails",
			inject: func(b *haltest.Backend) { b.FailNext(haltest.CallBindBufferMemory, vk.ErrorOutOfDeviceMemory) },
			create: func(c *Core) error {
				_, err := NewBuffer(c, BufferParams{Info: hal.BufferCreateInfo{Size: 4096}})
				return err
			},
		},
		{
			name:   "image bind fails",
			inject: func(b *haltest.Backend) { b.FailNext(haltest.CallBindImageMemory, vk.ErrorOutOfHostMemory) },
			create: func(c *Core) error {
				_, err := NewImage(c, ImageParams{Info: colorImage(32, 32)})
				return err
			},
		},
		{
			name: "memory allocation fails",
			inject: func(b *haltest.Backend) {
				// Once per memory type, the allocator falls back on out of memory.
				for range haltest.DefaultMemory().Types {
					b.FailNext(haltest.CallAllocateMemory, vk.ErrorOutOfDeviceMemory)
				}
			},
			create: func(c *Core) error {
				_, err := NewBuffer(c, BufferParams{Info: hal.BufferCreateInfo{Size: 4096}, Usage: UsageFastDeviceAccess})
				return err
			},
		},
		{
			name:   "larger than any heap",
			inject: func(*haltest.Backend) {},
			create: func(c *Core) error {
				_, err := NewBuffer(c, BufferParams{Info: hal.BufferCreateInfo{Size: 4 << 30}})
				return err
			},
		},
		{
			name:   "image view fails",
			inject: func(b *haltest.Backend) { b.FailNext(haltest.CallCreateImageView, vk.ErrorOutOfHostMemory) },
			create: func(c *Core) error {
				_, err := NewImage(c, ImageParams{Info: colorImage(8, 8), View: &hal.ImageViewCreateInfo{LayerCount: 1, MipLevels: 1}})
				return err
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend, s := testSession(t)
			defer closeSession(s)

			tc.inject(backend)
			err := tc.create(s.Core)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAllocationFailed)
			assert.Zero(t, backend.LiveCount("image"))
			assert.Zero(t, backend.LiveCount("image-view"))
			assert.Zero(t, backend.LiveCount("buffer"))
			assert.Zero(t, backend.LiveCount("memory"))
			assert.Zero(t, s.Core.LiveObjects())
		})
	}
}

func TestCreateResourceFailure(t *testing.T) {
	backend, s := testSession(t)
	defer closeSession(s)

	backend.FailNext(haltest.CallCreateBuffer, vk.ErrorOutOfHostMemory)
	_, err := NewBuffer(s.Core, BufferParams{Info: hal.BufferCreateInfo{Size: 16}})
	var native *NativeError
	require.ErrorAs(t, err, &native)
	assert.Equal(t, "vkCreateBuffer", native.Call)
	assert.Zero(t, backend.LiveCount("memory"))
}

func leakBuffer(t *testing.T, core *Core) {
	_, err := NewBuffer(core, BufferParams{Info: hal.BufferCreateInfo{Size: 2048}})
	require.NoError(t, err)
}

func TestDroppedObjectIsReported(t *testing.T) {
	_, s := testSession(t)

	reports := make(chan LeakReport, 1)
	SetLeakHandler(func(r LeakReport) { reports <- r })
	defer SetLeakHandler(nil)

	leakBuffer(t, s.Core)

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case r := <-reports:
			assert.Equal(t, "buffer", r.Kind)
			assert.Equal(t, uint64(2048), r.Size)
			assert.Equal(t, 1.0, testutil.ToFloat64(s.Core.Metrics().LeakedObjects))
			return
		case <-deadline:
			t.Fatal("leaked buffer was never reported")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
