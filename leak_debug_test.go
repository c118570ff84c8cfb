//go:build dieselcore_debug

package dieselcore

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leakChildEnv = "DIESELCORE_LEAK_CHILD"

// A leak with no handler installed panics on the finalizer goroutine, which
// kills the process. The leaking half runs in a child test binary.
func TestLeakAbortsDebugBuild(t *testing.T) {
	if os.Getenv(leakChildEnv) == "1" {
		_, s := testSession(t)
		SetLeakHandler(nil)
		leakBuffer(t, s.Core)
		for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
			runtime.GC()
			time.Sleep(10 * time.Millisecond)
		}
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestLeakAbortsDebugBuild$", "-test.count=1")
	cmd.Env = append(os.Environ(), leakChildEnv+"=1")
	out, err := cmd.CombinedOutput()

	var exit *exec.ExitError
	require.ErrorAs(t, err, &exit, "child exited cleanly:\n%s", out)
	assert.NotZero(t, exit.ExitCode())
	assert.Contains(t, string(out), "dieselcore: buffer")
	assert.Contains(t, string(out), "dropped without Free")
}
