package dieselcore

import (
	"testing"

	"github.com/andewx/dieselcore/hal"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"
)

func TestRequestFromRequirements(t *testing.T) {
	req := RequestFromRequirements(hal.MemoryRequirements{Size: 1000, Alignment: 256, MemoryTypeBits: 0b101}, UsageUpload)
	assert.Equal(t, MemoryRequest{Size: 1000, AlignMask: 255, Usage: UsageUpload, MemoryTypes: 0b101}, req)
}

func TestCoreAllocateRoundTrip(t *testing.T) {
	backend, s := testSession(t)
	core := s.Core
	defer closeSession(s)

	keep, err := core.Allocate(MemoryRequest{Size: 128, AlignMask: 63, Usage: UsageFastDeviceAccess, MemoryTypes: 0b111})
	require.NoError(t, err)

	for _, req := range []MemoryRequest{
		{Size: 4096, AlignMask: 255, Usage: UsageFastDeviceAccess, MemoryTypes: 0b111},
		{Size: 777, AlignMask: 4095, Usage: UsageFastDeviceAccess, MemoryTypes: 0b001},
		{Size: 64 << 10, AlignMask: 0, Usage: UsageUpload, MemoryTypes: 0b110},
		{Size: 2 << 20, AlignMask: 1023, Usage: UsageDownload, MemoryTypes: 0b111},
	} {
		before, err := core.AllocatorStats()
		require.NoError(t, err)
		memBefore := backend.LiveCount("memory")

		block, err := core.Allocate(req)
		require.NoError(t, err)
		assert.Zero(t, block.Offset()&req.AlignMask)
		require.NoError(t, core.Deallocate(block))

		after, err := core.AllocatorStats()
		require.NoError(t, err)
		if diff := cmp.Diff(before, after); diff != "" {
			t.Errorf("request %+v changed the allocator (-before +after):\n%s", req, diff)
		}
		assert.Equal(t, memBefore, backend.LiveCount("memory"))
	}

	require.NoError(t, core.Deallocate(keep))
	m := core.Metrics()
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Allocations))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Deallocations))
	assert.Zero(t, testutil.ToFloat64(m.AllocatedBytes))
}

func TestCoreAllocateFailure(t *testing.T) {
	_, s := testSession(t)
	defer closeSession(s)

	// Larger than the device local heap.
	_, err := s.Core.Allocate(MemoryRequest{Size: 2 << 30, Usage: UsageFastDeviceAccess, MemoryTypes: 0b001})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	var native *NativeError
	require.ErrorAs(t, err, &native)
	assert.Equal(t, vk.ErrorOutOfDeviceMemory, native.Result)

	_, err = s.Core.Allocate(MemoryRequest{Size: 64, MemoryTypes: 0})
	assert.ErrorIs(t, err, ErrAllocationFailed)
}

func TestAllocatorPoisonedByPanic(t *testing.T) {
	backend, s := testSession(t)
	core := s.Core
	req := MemoryRequest{Size: 4096, Usage: UsageUpload, MemoryTypes: 0b111}

	backend.OnAllocate(func(uint64, uint32) { panic("driver exploded") })
	assert.PanicsWithValue(t, "driver exploded", func() { _, _ = core.Allocate(req) })
	backend.OnAllocate(nil)

	_, err := core.Allocate(req)
	assert.ErrorIs(t, err, ErrAllocatorUnavailable)
	_, err = core.AllocatorStats()
	assert.ErrorIs(t, err, ErrAllocatorUnavailable)

	// Teardown still returns the device memory.
	closeSession(s)
	assert.Empty(t, backend.Live())
}

func TestMapHostVisibleMemory(t *testing.T) {
	_, s := testSession(t)
	defer closeSession(s)
	core := s.Core

	block, err := core.Allocate(MemoryRequest{Size: 256, Usage: UsageUpload, MemoryTypes: 0b111})
	require.NoError(t, err)
	data, err := core.MapMemory(block, 0, 256)
	require.NoError(t, err)
	assert.Len(t, data, 256)
	copy(data, "vertex data")
	require.NoError(t, core.UnmapMemory(block))
	require.NoError(t, core.Deallocate(block))

	local, err := core.Allocate(MemoryRequest{Size: 256, Usage: UsageFastDeviceAccess, MemoryTypes: 0b001})
	require.NoError(t, err)
	_, err = core.MapMemory(local, 0, 256)
	assert.Error(t, err)
	require.NoError(t, core.Deallocate(local))
}
