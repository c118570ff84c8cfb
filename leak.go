package dieselcore

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// LeakReport describes a managed object collected without Free.
type LeakReport struct {
	Kind   string
	Handle uint64
	Size   uint64
}

func (r LeakReport) String() string {
	return fmt.Sprintf("%s %#x (%d bytes) dropped without Free", r.Kind, r.Handle, r.Size)
}

var leakHandler atomic.Pointer[func(LeakReport)]

// SetLeakHandler replaces the action taken when a leak is detected. The
// default logs and, in builds tagged dieselcore_debug, panics. Nil restores
// the default.
func SetLeakHandler(fn func(LeakReport)) {
	if fn == nil {
		leakHandler.Store(nil)
		return
	}
	leakHandler.Store(&fn)
}

func reportLeak(c *Core, r LeakReport) {
	Logger().Error("managed object leaked",
		zap.String("kind", r.Kind),
		zap.Uint64("handle", r.Handle),
		zap.Uint64("size", r.Size))
	c.metrics.LeakedObjects.Inc()
	if fn := leakHandler.Load(); fn != nil {
		(*fn)(r)
		return
	}
	if abortOnLeak {
		panic("dieselcore: " + r.String())
	}
}
