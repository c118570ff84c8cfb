package hal

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"
)

// ResultError is a native call that returned something other than success.
type ResultError struct {
	Call   string
	Result vk.Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, Describe(e.Result))
}

// Check returns nil for vk.Success and a *ResultError otherwise.
func Check(call string, res vk.Result) error {
	if res == vk.Success {
		return nil
	}
	return &ResultError{Call: call, Result: res}
}

// Describe names a native result code.
func Describe(res vk.Result) string {
	switch res {
	case vk.Success:
		return "success"
	case vk.NotReady:
		return "not ready"
	case vk.Timeout:
		return "timeout"
	case vk.Suboptimal:
		return "suboptimal"
	}
	if err := vk.Error(res); err != nil {
		return fmt.Sprintf("%v (%d)", err, int32(res))
	}
	return fmt.Sprintf("result %d", int32(res))
}
