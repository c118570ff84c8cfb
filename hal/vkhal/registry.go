package vkhal

import (
	"fmt"
	"sync"

	vk "github.com/vulkan-go/vulkan"
)

// registry maps hal handles to native handles. Ids start at 1 so the zero
// handle stays null.
type registry[T any] struct {
	mu    sync.Mutex
	next  uint64
	items map[uint64]T
}

func (r *registry[T]) put(v T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[uint64]T)
	}
	r.next++
	r.items[r.next] = v
	return r.next
}

func (r *registry[T]) get(id uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	return v, ok
}

// resolve maps id to its native handle. Zero is the null handle; any other
// unknown id is a destroyed or foreign handle and panics.
func (r *registry[T]) resolve(id uint64) T {
	v, ok := r.get(id)
	if !ok && id != 0 {
		panic(fmt.Sprintf("vkhal: unknown %T handle %#x", v, id))
	}
	return v
}

func (r *registry[T]) take(id uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	delete(r.items, id)
	return v, ok
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// enumerate runs the usual count-then-fill query.
func enumerate[T any](query func(count *uint32, out []T) vk.Result) ([]T, vk.Result) {
	var count uint32
	if res := query(&count, nil); res < 0 {
		return nil, res
	}
	if count == 0 {
		return nil, vk.Success
	}
	out := make([]T, count)
	res := query(&count, out)
	return out[:count], res
}

// cStrings appends the terminator the native API expects.
func cStrings(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, n+"\x00")
	}
	return out
}
