// Package hal is the boundary between dieselcore and the native GPU API.
//
// Handles are opaque integers owned by a backend. The zero value of every
// handle type is the null handle. Enumerations reuse the vulkan-go types so
// that values read from a driver pass through unchanged.
package hal

import "fmt"

type (
	Surface       uint64
	Queue         uint64
	Image         uint64
	ImageView     uint64
	Buffer        uint64
	DeviceMemory  uint64
	Semaphore     uint64
	Fence         uint64
	Swapchain     uint64
	CommandPool   uint64
	CommandBuffer uint64
)

func (h Image) String() string         { return fmt.Sprintf("Image(%#x)", uint64(h)) }
func (h Buffer) String() string        { return fmt.Sprintf("Buffer(%#x)", uint64(h)) }
func (h ImageView) String() string     { return fmt.Sprintf("ImageView(%#x)", uint64(h)) }
func (h DeviceMemory) String() string  { return fmt.Sprintf("DeviceMemory(%#x)", uint64(h)) }
func (h Swapchain) String() string     { return fmt.Sprintf("Swapchain(%#x)", uint64(h)) }
func (h Fence) String() string         { return fmt.Sprintf("Fence(%#x)", uint64(h)) }
func (h Semaphore) String() string     { return fmt.Sprintf("Semaphore(%#x)", uint64(h)) }
func (h CommandBuffer) String() string { return fmt.Sprintf("CommandBuffer(%#x)", uint64(h)) }
