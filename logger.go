package dieselcore

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var loggerPtr atomic.Pointer[zap.Logger]

func init() {
	loggerPtr.Store(zap.NewNop())
}

// SetLogger routes dieselcore logging to l. Nil restores the silent default.
//
// Levels used:
//   - debug: device enumeration and rejection reasons
//   - info: device selection and swapchain lifecycle
//   - warn: recoverable surface problems
//   - error: leaked objects and fence timeouts
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.
func Logger() *zap.Logger {
	return loggerPtr.Load()
}
