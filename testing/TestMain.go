// Package testing forces test mode for any test binary that imports it, so
// application entrypoints exercised under `go test` never open real
// connections.
package testing

import (
	"os"
	stdtesting "testing"
)

func init() {
	if os.Getenv("SLOTBOOK_TEST_MODE") == "" {
		_ = os.Setenv("SLOTBOOK_TEST_MODE", "1")
	}
}

// TestMain runs the suite with test mode guaranteed on.
func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
