package dieselcore

import (
	"fmt"
	"strings"

	"github.com/andewx/dieselcore/gpualloc"
	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"
)

var (
	ErrNoSuitableHardware      = errors.New("no suitable hardware found for this configuration")
	ErrNoSuitableSurfaceFormat = errors.New("surface reports no formats")
	ErrAllocatorUnavailable    = errors.New("gpu allocator unavailable: poisoned by a panic while locked")
	ErrAllocationFailed        = errors.New("gpu memory allocation failed")
	ErrSwapchainOutOfDate      = errors.New("swapchain out of date")
	ErrDeviceLost              = errors.New("device lost")
	ErrSurfaceUnavailable      = errors.New("surface has no drawable area")
)

// NativeError is a native API call that failed with Result.
type NativeError = hal.ResultError

// UnsupportedExtensionError lists the names the platform is missing.
type UnsupportedExtensionError struct {
	// Level is "instance layer", "instance extension", "device extension" ...
	Level string
	Names []string
}

func (e *UnsupportedExtensionError) Error() string {
	return fmt.Sprintf("unsupported %s: %s", e.Level, strings.Join(e.Names, ", "))
}

// kindError tags an error with one of the sentinels above. errors.Is matches
// the sentinel, errors.As still reaches the cause.
type kindError struct {
	cause error
	kind  error
}

func (e *kindError) Error() string        { return e.cause.Error() }
func (e *kindError) Unwrap() error        { return e.cause }
func (e *kindError) Is(target error) bool { return target == e.kind }

func withKind(err, kind error) error {
	if err == nil {
		return nil
	}
	return &kindError{cause: err, kind: kind}
}

//checkResult converts a native result, tagging the codes callers branch on
func checkResult(call string, res vk.Result) error {
	err := hal.Check(call, res)
	switch res {
	case vk.Success:
		return nil
	case vk.ErrorDeviceLost:
		return withKind(err, ErrDeviceLost)
	case vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfHostMemory:
		return withKind(err, ErrAllocationFailed)
	case vk.ErrorOutOfDate:
		return withKind(err, ErrSwapchainOutOfDate)
	}
	return err
}

// allocationError folds allocator failures into ErrAllocationFailed while
// keeping the cause.
func allocationError(err error) error {
	if errors.IsAny(err, gpualloc.ErrOutOfMemory, gpualloc.ErrNoCompatibleMemoryType, gpualloc.ErrTooManyObjects) {
		return withKind(err, ErrAllocationFailed)
	}
	var native *hal.ResultError
	if errors.As(err, &native) {
		return withKind(err, ErrAllocationFailed)
	}
	return err
}
