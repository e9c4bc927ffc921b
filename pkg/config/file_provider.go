package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileProvider serves policy snapshots parsed from a local file and reloads
// them when the file changes. A reload that fails to parse or validate keeps
// the previous snapshot.
type FileProvider struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	snapshot    Snapshot
	lastData    []byte
	generation  uint64
	subscribers []chan Snapshot
	onReload    func(Snapshot, error)

	watcher *fsnotify.Watcher
}

// NewFileProvider loads path and prepares a watcher on its directory. The
// initial load must succeed. Call Watch to start reacting to changes.
func NewFileProvider(path string, debounce time.Duration, logger *slog.Logger) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &FileProvider{
		path:     absPath,
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
	}
	if _, err := p.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher
	return p, nil
}

// Path returns the absolute path of the watched file.
func (p *FileProvider) Path() string {
	return p.path
}

// Current returns the active snapshot.
func (p *FileProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives every new snapshot, starting with
// the current one. A slow subscriber only ever sees the latest snapshot.
func (p *FileProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	ch <- p.snapshot
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// OnReload registers a callback invoked after every reload attempt that
// found changed content.
func (p *FileProvider) OnReload(fn func(Snapshot, error)) {
	p.mu.Lock()
	p.onReload = fn
	p.mu.Unlock()
}

// Reload reads the file now. Unchanged content returns the current snapshot
// without bumping the generation.
func (p *FileProvider) Reload() (Snapshot, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return p.fail(fmt.Errorf("failed to read policy file: %w", err))
	}

	p.mu.RLock()
	unchanged := p.generation > 0 && bytes.Equal(data, p.lastData)
	current := p.snapshot
	p.mu.RUnlock()
	if unchanged {
		return current, nil
	}

	snap, err := ParsePolicies(data)
	if err != nil {
		return p.fail(fmt.Errorf("%s: %w", p.path, err))
	}

	p.mu.Lock()
	p.generation++
	snap.Generation = p.generation
	snap.LoadedAt = p.now()
	snap.Source = p.path
	p.snapshot = snap
	p.lastData = data
	subscribers := make([]chan Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	onReload := p.onReload
	p.mu.Unlock()

	for _, ch := range subscribers {
		publish(ch, snap)
	}
	if onReload != nil {
		onReload(snap, nil)
	}
	p.logger.Info("Policies loaded",
		"path", p.path,
		"generation", snap.Generation,
		"rate_limits", len(snap.RateLimits),
		"circuit_breakers", len(snap.CircuitBreakers),
		"budgets", len(snap.Budgets))
	return snap, nil
}

func (p *FileProvider) fail(err error) (Snapshot, error) {
	p.mu.RLock()
	onReload := p.onReload
	current := p.snapshot
	p.mu.RUnlock()
	if onReload != nil {
		onReload(current, err)
	}
	return current, err
}

// publish replaces any undelivered snapshot with s.
func publish(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Watch reloads the file on change until ctx is cancelled. Bursts of events
// within the debounce interval cause a single reload.
func (p *FileProvider) Watch(ctx context.Context) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-p.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(p.debounce)
			} else {
				timer.Reset(p.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := p.Reload(); err != nil {
				p.logger.Error("Policy reload rejected, keeping previous generation", "path", p.path, "error", err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("Watcher error", "error", err)
		}
	}
}

// Close stops the watcher and cleans up resources.
func (p *FileProvider) Close() error {
	return p.watcher.Close()
}
