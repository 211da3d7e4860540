package sequence

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
)

// Loader holds the current sequence for a file and can watch it for changes.
type Loader struct {
	path     string
	log      *slog.Logger
	mu       sync.RWMutex
	current  event.Sequence
	version  uint64
	onChange []func(event.Sequence)
}

// NewLoader creates a Loader and performs the initial load.
// A malformed file is returned as an error; nothing is replayed from it.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Loader{path: path, log: logger}
	seq, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	l.current = seq
	l.version = 1
	return l, nil
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Sequence returns the latest successfully parsed sequence.
func (l *Loader) Sequence() event.Sequence {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Version increases on every successful reload.
func (l *Loader) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// OnChange registers a callback invoked whenever the sequence reloads.
func (l *Loader) OnChange(fn func(event.Sequence)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that reloads the sequence on file changes.
// The directory is watched rather than the file so editors that replace the
// file on save keep triggering events. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sequence watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("sequence watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.log.Warn("sequence reload skipped, keeping previous sequence", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("sequence watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the sequence file.
func (l *Loader) Reload() (event.Sequence, error) {
	seq, err := LoadFile(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = seq
	l.version++
	callbacks := make([]func(event.Sequence), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	l.log.Info("sequence reloaded", "path", l.path, "events", len(seq))
	for _, fn := range callbacks {
		fn(seq)
	}
	return seq, nil
}
