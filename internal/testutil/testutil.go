// Package testutil holds shared helpers for the heavier test suites.
package testutil

import (
	"flag"
	"testing"
)

var runLong = flag.Bool("long", false, "run long-running stress tests")

// RequireLong skips the test unless the -long flag is set. Stress tests
// that push many stripes through the pool hide behind this gate so a
// plain `go test ./...` stays fast.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*runLong {
		t.Skip("skipping long test, pass -long to run")
	}
}
