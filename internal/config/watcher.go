package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked with the new, validated config after every
// successful reload. It runs on the watcher goroutine, so keep it fast.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes on disk. It combines
// fsnotify (sub-second reaction on real filesystems) with content-hash
// polling, because Kubernetes ConfigMap volumes update by swapping a
// "..data" symlink, which inotify frequently misses.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching starts with Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileState snapshots the content hash and the Kubernetes "..data" symlink
// target so the polling loop can tell whether the file really changed.
type fileState struct {
	hash   string
	target string
}

func snapshotFile(path string) fileState {
	return fileState{
		hash:   hashFile(path),
		target: readlink(filepath.Join(filepath.Dir(path), "..data")),
	}
}

func (fs fileState) differs(other fileState) bool {
	if other.target != "" && other.target != fs.target {
		return true
	}
	return other.hash != fs.hash
}

// Start blocks until the context is canceled or Stop is called, reloading
// the config whenever the file changes.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the parent directory so atomic save-and-rename and the
	// Kubernetes symlink dance are both visible.
	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	state := snapshotFile(w.path)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Atomic writes rename a temp file over the target, which drops
			// the old inode from the watch. Re-add after create/rename.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			state = snapshotFile(w.path)

		case <-poll.C:
			if cur := snapshotFile(w.path); state.differs(cur) {
				state = cur
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload loads and publishes the new config. On failure the old config
// stays in effect.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// CertReloadFunc is invoked when the TLS certificate files change on disk.
type CertReloadFunc func(certFile, keyFile string)

// CertWatcher polls TLS certificate files for changes. Pure polling: cert
// files usually live in a Kubernetes Secret volume where inotify cannot be
// trusted, and a 2s poll on two small files is cheap.
type CertWatcher struct {
	certFile     string
	keyFile      string
	onReload     CertReloadFunc
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate watcher. Polling starts with Start.
func NewCertWatcher(certFile, keyFile string, onReload CertReloadFunc, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		onReload:     onReload,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until the context is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	certState := snapshotFile(cw.certFile)
	keyState := snapshotFile(cw.keyFile)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			curCert := snapshotFile(cw.certFile)
			curKey := snapshotFile(cw.keyFile)
			if certState.differs(curCert) || keyState.differs(curKey) {
				certState = curCert
				keyState = curKey
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.onReload(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. Reading follows symlinks, so a Kubernetes volume
// swap changes the result.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if path is not one.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
