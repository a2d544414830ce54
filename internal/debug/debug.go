package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Initialize from the environment on package load so tracing works even
	// when a caller never touches main.go (e.g. in tests).
	InitFromEnv()
}

// Enabled returns whether ARX_DEBUG_LIST tracing is enabled.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled sets whether tracing is enabled.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv enables tracing if ARX_DEBUG_LIST is set to any non-empty
// value.
func InitFromEnv() {
	SetEnabled(os.Getenv("ARX_DEBUG_LIST") != "")
}
