// Package testutil provides shared test helpers for beacon packages.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"
)

// SocketDir creates a temporary directory suitable for unix sockets.
//
// Socket paths are limited to 108 bytes, which nested t.TempDir paths
// can exceed, so the directory is created directly in /tmp. It is
// removed when the test completes.
func SocketDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "beacon-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
