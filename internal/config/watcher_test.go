package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admission:\n  max_per_ip: 2\n"), 0o600))

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()

	// Give the watcher a moment to install its watches.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("admission:\n  max_per_ip: 9\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, int64(9), cfg.Admission.MaxPerIP)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	<-done
}

func TestWatcherKeepsOldConfigOnInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admission:\n  max_per_ip: 2\n"), 0o600))

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// An invalid config must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("admission:\n  max_connections: 0\n"), 0o600))

	select {
	case cfg := <-reloaded:
		t.Fatalf("unexpected reload with config: %+v", cfg)
	case <-time.After(3 * time.Second):
	}
}

func TestFileStateDiffers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o600))

	s1 := snapshotFile(path)
	assert.False(t, s1.differs(snapshotFile(path)))

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o600))
	assert.True(t, s1.differs(snapshotFile(path)))
}
