package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps the running config in step with the YAML file. It polls the
// file's modification time and can be asked to re-read immediately with
// [Watcher.Trigger] (main wires that to SIGHUP). onChange receives the old and
// the new config only when the content changed and validates; a broken edit
// leaves the last valid config in place and is reported by [Watcher.Status].
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	kick     chan struct{}

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	digest  [sha256.Size]byte
	status  WatchStatus
}

// WatchStatus describes the outcome of the watcher's most recent reads.
type WatchStatus struct {
	Path     string
	LoadedAt time.Time
	Reloads  int
	LastErr  error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. An invalid initial file is an error; later invalid edits are not.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.digest = snap.cfg, snap.mtime, snap.digest
	w.status = WatchStatus{Path: path, LoadedAt: time.Now()}
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Status returns a copy of the watcher's bookkeeping.
func (w *Watcher) Status() WatchStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Trigger asks a running [Watcher.Run] to re-read the file now, even if its
// modification time is unchanged. Calls made while one is pending coalesce.
func (w *Watcher) Trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		case <-w.kick:
			w.reload(true)
		}
	}
}

// Check re-reads the file if its modification time moved and reports whether
// onChange was called.
func (w *Watcher) Check() bool {
	return w.reload(false)
}

func (w *Watcher) reload(force bool) bool {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.fail(err)
			return false
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.mtime)
		w.mu.Unlock()
		if same {
			return false
		}
	}

	snap, err := w.read()
	if err != nil {
		w.fail(err)
		return false
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	w.status.LastErr = nil
	if snap.digest == w.digest {
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.digest = snap.cfg, snap.digest
	w.status.LoadedAt = time.Now()
	w.status.Reloads++
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path, "forced", force)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.status.LastErr = err
	w.mu.Unlock()
	slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
}

type snapshot struct {
	cfg    *Config
	mtime  time.Time
	digest [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
