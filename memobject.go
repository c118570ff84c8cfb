package dieselcore

import (
	"fmt"
	"runtime"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Resource is a native object that needs bound device memory.
type Resource interface {
	hal.Image | hal.Buffer
}

// resourceKind holds the per-type device calls of a MemObject.
type resourceKind[T Resource] interface {
	name() string
	requirements(dev hal.Device, res T) hal.MemoryRequirements
	bind(dev hal.Device, res T, mem hal.DeviceMemory, offset uint64) error
	destroy(dev hal.Device, res T)
}

type imageKind struct{}

func (imageKind) name() string { return "image" }

func (imageKind) requirements(dev hal.Device, img hal.Image) hal.MemoryRequirements {
	return dev.ImageMemoryRequirements(img)
}

func (imageKind) bind(dev hal.Device, img hal.Image, mem hal.DeviceMemory, offset uint64) error {
	return checkResult("vkBindImageMemory", dev.BindImageMemory(img, mem, offset))
}

func (imageKind) destroy(dev hal.Device, img hal.Image) { dev.DestroyImage(img) }

type bufferKind struct{}

func (bufferKind) name() string { return "buffer" }

func (bufferKind) requirements(dev hal.Device, buf hal.Buffer) hal.MemoryRequirements {
	return dev.BufferMemoryRequirements(buf)
}

func (bufferKind) bind(dev hal.Device, buf hal.Buffer, mem hal.DeviceMemory, offset uint64) error {
	return checkResult("vkBindBufferMemory", dev.BindBufferMemory(buf, mem, offset))
}

func (bufferKind) destroy(dev hal.Device, buf hal.Buffer) { dev.DestroyBuffer(buf) }

// MemObject is a native resource together with the memory block bound to it.
// It must be released with Free exactly once. Freeing twice, freeing through
// another Core or touching a freed object panics. An object that becomes
// unreachable without Free is reported as a leak.
type MemObject[T Resource] struct {
	handle T
	kind   resourceKind[T]
	core   *Core
	memory *MemoryBlock

	// release runs before the resource is destroyed.
	release func(dev hal.Device)
}

func newMemObject[T Resource](core *Core, kind resourceKind[T], handle T, usage UsageFlags) (*MemObject[T], error) {
	dev := core.Device()
	req := RequestFromRequirements(kind.requirements(dev, handle), usage)
	block, err := core.Allocate(req)
	if err != nil {
		kind.destroy(dev, handle)
		return nil, errors.Wrapf(err, "allocate %s memory", kind.name())
	}
	if err := kind.bind(dev, handle, block.Memory(), block.Offset()); err != nil {
		kind.destroy(dev, handle)
		if derr := core.Deallocate(block); derr != nil {
			Logger().Error("returning memory of unbound resource", zap.String("kind", kind.name()), zap.Error(derr))
		}
		return nil, err
	}
	obj := &MemObject[T]{
		handle: handle,
		kind:   kind,
		core:   core.Retain(),
		memory: block,
	}
	core.track()
	runtime.SetFinalizer(obj, (*MemObject[T]).collected)
	return obj, nil
}

// collected runs when the object becomes unreachable. Freed objects have
// their finalizer cleared, so reaching here means Free was never called.
func (o *MemObject[T]) collected() {
	if o.memory == nil {
		return
	}
	reportLeak(o.core, LeakReport{
		Kind:   o.kind.name(),
		Handle: uint64(o.handle),
		Size:   o.memory.Size(),
	})
}

func (o *MemObject[T]) mustBeLive(op string) {
	if o.memory == nil {
		panic(fmt.Sprintf("dieselcore: %s of a freed %s", op, o.kind.name()))
	}
}

// Handle returns the native resource.
func (o *MemObject[T]) Handle() T {
	o.mustBeLive("Handle")
	return o.handle
}

// Memory returns the bound block.
func (o *MemObject[T]) Memory() *MemoryBlock {
	o.mustBeLive("Memory")
	return o.memory
}

// Map gives host access to the whole block. The memory must be host visible.
func (o *MemObject[T]) Map() ([]byte, error) {
	o.mustBeLive("Map")
	return o.core.MapMemory(o.memory, 0, o.memory.Size())
}

func (o *MemObject[T]) Unmap() error {
	o.mustBeLive("Unmap")
	return o.core.UnmapMemory(o.memory)
}

// Free destroys the resource, returns its memory and drops the Core
// reference taken at creation. core must be the Core the object was created
// with.
func (o *MemObject[T]) Free(core *Core) {
	o.mustBeLive("Free")
	if core != o.core {
		panic(fmt.Sprintf("dieselcore: %s freed through a foreign Core", o.kind.name()))
	}
	dev := core.Device()
	if o.release != nil {
		o.release(dev)
	}
	o.kind.destroy(dev, o.handle)

	block := o.memory
	o.memory = nil
	runtime.SetFinalizer(o, nil)
	if err := core.Deallocate(block); err != nil {
		if !errors.Is(err, ErrAllocatorUnavailable) {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "dieselcore: return %s memory", o.kind.name()))
		}
		Logger().Error("memory not returned to a poisoned allocator",
			zap.String("kind", o.kind.name()), zap.Uint64("size", block.Size()))
	}
	core.untrack()
	core.Release()
}

// ImageParams describe a managed image. When View is set an image view is
// created over the image; its Image field is filled in.
type ImageParams struct {
	Info  hal.ImageCreateInfo
	Usage UsageFlags
	View  *hal.ImageViewCreateInfo
}

// Image is a managed image with an optional view.
type Image struct {
	*MemObject[hal.Image]
	view hal.ImageView
}

// NewImage creates an image, binds memory to it and, when asked, a view.
func NewImage(core *Core, p ImageParams) (*Image, error) {
	handle, res := core.Device().CreateImage(p.Info)
	if err := checkResult("vkCreateImage", res); err != nil {
		return nil, err
	}
	obj, err := newMemObject[hal.Image](core, imageKind{}, handle, p.Usage)
	if err != nil {
		return nil, err
	}
	img := &Image{MemObject: obj}
	if p.View == nil {
		return img, nil
	}
	info := *p.View
	info.Image = handle
	view, res := core.Device().CreateImageView(info)
	if err := checkResult("vkCreateImageView", res); err != nil {
		obj.Free(core)
		return nil, err
	}
	img.view = view
	obj.release = func(dev hal.Device) { dev.DestroyImageView(view) }
	return img, nil
}

// View returns the image view, or zero when none was requested.
func (i *Image) View() hal.ImageView {
	i.mustBeLive("View")
	return i.view
}

// BufferParams describe a managed buffer.
type BufferParams struct {
	Info  hal.BufferCreateInfo
	Usage UsageFlags
}

// Buffer is a managed buffer.
type Buffer = MemObject[hal.Buffer]

// NewBuffer creates a buffer and binds memory to it.
func NewBuffer(core *Core, p BufferParams) (*Buffer, error) {
	handle, res := core.Device().CreateBuffer(p.Info)
	if err := checkResult("vkCreateBuffer", res); err != nil {
		return nil, err
	}
	return newMemObject[hal.Buffer](core, bufferKind{}, handle, p.Usage)
}
