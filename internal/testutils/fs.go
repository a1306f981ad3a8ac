package testutils

import (
	"os"
	"testing"
)

// Dir creates a temporary directory for the test, removed automatically
// on completion unless the test fails and -test.v is used (to allow
// inspection).
func Dir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "ferrum-tests-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if t.Failed() && testing.Verbose() {
			t.Log("test failed, leaving directory for inspection:", dir)
			return
		}
		os.RemoveAll(dir)
	})
	return dir
}
