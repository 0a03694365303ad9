package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fingerprint identifies one on-disk version of the config file. The mtime
// and size act as a cheap pre-filter; the content sum decides.
type fingerprint struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls the config file and swaps in each valid new version. A
// reload affects sessions opened afterwards; running calls keep the settings
// they started with. A file that fails to parse or validate is ignored and
// the previous version stays current.
//
// Polling rather than inotify: the file may live on a bind mount or be
// replaced atomically by a config management tool, and a few seconds of
// reload latency is irrelevant here.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once

	// seen is touched only by NewWatcher and the watch goroutine.
	seen fingerprint
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval overrides the 5 second polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file once, failing hard on a broken initial config,
// then keeps polling it in the background until Stop.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = fp

	go w.watch()
	return w, nil
}

// Current returns the latest valid config. The returned value is shared and
// must be treated as read-only.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) watch() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			w.reloadIfChanged()
		}
	}
}

// reloadIfChanged stats the file first and skips the read entirely when
// mtime and size both match the last version seen.
func (w *Watcher) reloadIfChanged() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current config", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.seen.modTime) && info.Size() == w.seen.size {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		slog.Warn("config reload rejected, keeping current config", "path", w.path, "err", err)
		return
	}
	if fp.sum == w.seen.sum {
		// Touched but unchanged; remember the new mtime so the stat
		// pre-filter works again.
		w.seen = fp
		return
	}
	w.seen = fp

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config reloaded, applies to new sessions", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file, returning its parsed form and
// fingerprint.
func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     sha256.Sum256(data),
	}, nil
}
