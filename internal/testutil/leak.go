// Package testutil carries small helpers shared by package tests.
package testutil

import (
	"testing"

	"go.uber.org/goleak"
)

// VerifyNoLeaks fails the test if goroutines started after this call are
// still running once the test and all its cleanups finish. Call it before
// creating servers or clients: cleanups run last-in-first-out, so the check
// registered here executes after pooled connections are torn down.
func VerifyNoLeaks(t *testing.T) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() {
		goleak.VerifyNone(t, opt)
	})
}
