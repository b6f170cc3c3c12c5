// Package testutil provides shared test helpers for setting up stores and services.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/pinnote/internal/noteservice"
	"github.com/starford/pinnote/internal/storage"
)

// TestUser is the user id every helper partitions by.
const TestUser = "tester"

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestSQLite creates a temporary SQLite store that is automatically closed.
func TestSQLite(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "pinnote-test.db"), TestUser)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestFS creates a temporary file-system store and returns its root.
func TestFS(t *testing.T) (string, *storage.FS) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFS(root, TestUser, Logger())
	if err != nil {
		t.Fatal(err)
	}
	return root, store
}

// TestService builds a service over store with short timings. opts fields
// left zero get test defaults. The service is closed on cleanup.
func TestService(t *testing.T, store storage.Durable, opts noteservice.Options) *noteservice.Service {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = 20 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = Logger()
	}
	svc := noteservice.New(store, opts)
	t.Cleanup(svc.Close)
	return svc
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
