//go:build dieselcore_debug

package dieselcore

const abortOnLeak = true
