package vkhal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"
)

func TestRegistry(t *testing.T) {
	var r registry[string]

	assert.Equal(t, "", r.resolve(0), "null handle resolves to the zero value")

	a := r.put("a")
	b := r.put("b")
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "b", r.resolve(b))
	v, ok := r.get(b)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 2, r.len())

	v, ok = r.take(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = r.take(a)
	assert.False(t, ok, "taken twice")
	_, ok = r.get(a)
	assert.False(t, ok)
	assert.PanicsWithValue(t, "vkhal: unknown string handle 0x1", func() { r.resolve(a) }, "stale handle")
	assert.Panics(t, func() { r.resolve(99) }, "never issued")

	c := r.put("c")
	assert.Greater(t, c, b, "ids are not reused")
}

func TestEnumerate(t *testing.T) {
	source := []uint32{7, 8, 9}
	calls := 0
	got, res := enumerate(func(n *uint32, out []uint32) vk.Result {
		calls++
		if out == nil {
			*n = uint32(len(source))
			return vk.Success
		}
		*n = uint32(copy(out, source))
		return vk.Success
	})
	assert.Equal(t, vk.Success, res)
	assert.Equal(t, source, got)
	assert.Equal(t, 2, calls)

	got, res = enumerate(func(n *uint32, out []uint32) vk.Result {
		return vk.ErrorInitializationFailed
	})
	assert.Nil(t, got)
	assert.Equal(t, vk.ErrorInitializationFailed, res)

	got, res = enumerate(func(n *uint32, out []uint32) vk.Result {
		*n = 0
		return vk.Success
	})
	assert.Empty(t, got)
	assert.Equal(t, vk.Success, res)
}

func TestCStrings(t *testing.T) {
	assert.Equal(t, []string{"VK_KHR_swapchain\x00"}, cStrings([]string{"VK_KHR_swapchain"}))
	assert.Empty(t, cStrings(nil))
}

func TestNanoseconds(t *testing.T) {
	assert.Equal(t, uint64(0), nanoseconds(-5))
	assert.Equal(t, uint64(1500), nanoseconds(1500))
}
