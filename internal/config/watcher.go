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

// ChangeFunc receives a config that replaced old, with what changed between
// them. It runs on the goroutine that noticed the change.
type ChangeFunc func(old, next *Config, d ConfigDiff)

// Watcher keeps the config file loaded and reports changes. `liveintake
// serve` uses it to apply a new log level or agent persona without a
// restart. The file is re-read every poll interval by [Watcher.Run] and on
// demand by [Watcher.Reload]. A file that fails to parse or validate is
// reported once and otherwise ignored; the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config

	// Guarded by reloadMu.
	reloadMu sync.Mutex
	mtime    time.Time
	hash     [sha256.Size]byte // of the last file read, good or bad
	rejected bool              // hash belongs to a file that failed to load
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

// WithWatcherLogger sets the logger reload problems are reported to.
// Default: [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and returns a Watcher holding it. onChange may be
// nil. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.hash = cfg, mtime, sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reload(false); err != nil {
				w.log.Warn("config watcher: cannot read file", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file and reports whether a new config was installed.
// Unless force is set an unchanged modification time skips the read. A file
// whose content hashes the same as the last one read is ignored, as is a new
// config that differs from the current one in no field.
//
// The returned error covers reading the file only; a file that does not
// load is logged and leaves the current config in place.
func (w *Watcher) Reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if info.ModTime().Equal(w.mtime) {
			return false, nil
		}
	}

	data, mtime, err := w.read()
	if err != nil {
		return false, err
	}
	w.mtime = mtime
	hash := sha256.Sum256(data)
	if hash == w.hash {
		return false, nil
	}
	w.hash = hash

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.rejected = true
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return false, nil
	}
	if w.rejected {
		w.rejected = false
		w.log.Info("config watcher: file valid again", "path", w.path)
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() {
		return false, nil
	}
	w.log.Info("config watcher: configuration reloaded", "path", w.path,
		"log_level", d.LogLevelChanged,
		"persona", d.PersonaChanged,
		"session", d.SessionChanged,
		"restart_required", d.RestartRequired,
	)

	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return true, nil
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
