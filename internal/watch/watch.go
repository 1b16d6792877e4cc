// Package watch notifies subscribers when a single file's content changes.
//
// Each subscription owns its own fsnotify watcher on the file's parent
// directory so editors that save by writing a temp file and renaming it over
// the original are still seen.
package watch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Detector hands out file subscriptions and tracks how many are live.
type Detector struct {
	debounce time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	active map[*Subscription]struct{}
}

// Subscription is one file being watched. Close releases it.
type Subscription struct {
	detector *Detector
	path     string
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	onChange func()
	notify   func()
	closed   atomic.Bool
	once     sync.Once
}

// New returns a Detector. Events for the same file arriving within
// debounceWindow of each other are coalesced into one notification.
func New(logger *log.Logger, debounceWindow time.Duration) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{
		debounce: debounceWindow,
		logger:   logger.WithPrefix("watch"),
		active:   make(map[*Subscription]struct{}),
	}
}

// Subscribe starts watching path and calls onChange after each content
// change. onChange runs on a background goroutine.
func (d *Detector) Subscribe(path string, onChange func()) (io.Closer, error) {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			d.logger.Warn("failed to close watcher after add error", "err", closeErr)
		}
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		detector: d,
		path:     path,
		watcher:  watcher,
		cancel:   cancel,
		onChange: onChange,
	}
	s.notify = s.fire
	if d.debounce > 0 {
		debounced := debounce.New(d.debounce)
		s.notify = func() { debounced(s.fire) }
	}

	d.mu.Lock()
	d.active[s] = struct{}{}
	d.mu.Unlock()

	go s.run(ctx)
	d.logger.Debug("subscribed", "path", path)
	return s, nil
}

// Active reports the number of subscriptions not yet closed.
func (d *Detector) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Close stops the watcher. It does not wait for a notification that is
// already running, but no notification starts after Close returns.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		err = s.watcher.Close()

		s.detector.mu.Lock()
		delete(s.detector.active, s)
		s.detector.mu.Unlock()

		s.detector.logger.Debug("unsubscribed", "path", s.path)
	})
	return err
}

func (s *Subscription) fire() {
	if s.closed.Load() {
		return
	}
	s.onChange()
}

func (s *Subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.detector.logger.Debug("file changed", "path", s.path, "op", event.Op.String())
				s.notify()
			} else if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The file may come back (atomic save); the directory watch
				// will report the Create.
				s.detector.logger.Debug("file moved away", "path", s.path, "op", event.Op.String())
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.detector.logger.Warn("watcher error", "path", s.path, "err", err)
		}
	}
}
