package test

import (
	"os/exec"
	"testing"
)

// RequireBinary skips the test if any of the binaries are missing from PATH.
func RequireBinary(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("skipping, %s not found in PATH", name)
		}
	}
}
