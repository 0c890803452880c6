package app

import (
	"os"
	"sync/atomic"
)

// testModeEnv short-circuits main() so test binaries importing the app
// package never open real connections.
const testModeEnv = "SLOTBOOK_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	detected := os.Getenv(testModeEnv) == "1"
	testMode.Store(&detected)
	return detected
}

// RefreshTestMode re-reads the environment after tests mutate it.
func RefreshTestMode() {
	detected := os.Getenv(testModeEnv) == "1"
	testMode.Store(&detected)
}
