// Package preview runs one loopback HTTP listener per open markdown document
// and keeps each listener's page in step with the file on disk.
//
// All registry changes and all change notifications are executed one at a
// time on the Manager's event loop. HTTP handlers never touch the registry;
// they only load the session's current snapshot.
package preview

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Renderer turns a markdown document into a complete HTML page.
type Renderer interface {
	Render(source []byte, title string, revision int64) (string, error)
}

// ChangeDetector calls onChange whenever the file at path changes, until the
// returned subscription is closed.
type ChangeDetector interface {
	Subscribe(path string, onChange func()) (io.Closer, error)
}

// Options configures a Manager.
type Options struct {
	Renderer Renderer
	Detector ChangeDetector
	Logger   *log.Logger

	// Host is the address preview listeners bind to. Defaults to 127.0.0.1.
	Host           string
	BasePort       int
	PortQuarantine time.Duration
	// ShutdownGrace bounds how long closing a session waits for in-flight
	// requests.
	ShutdownGrace time.Duration

	// OnCountChange is called from the event loop whenever the number of
	// open sessions changes. It must not call back into the Manager.
	OnCountChange func(count int)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager owns the set of open previews.
type Manager struct {
	opts   Options
	logger *log.Logger
	ports  *PortAllocator

	// owned by the event loop
	sessions map[string]*Session
	closed   bool

	count    atomic.Int64
	ops      chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

// NewManager validates opts and starts the event loop.
func NewManager(opts Options) (*Manager, error) {
	if opts.Renderer == nil {
		return nil, errors.New("preview: renderer is required")
	}
	if opts.Detector == nil {
		return nil, errors.New("preview: change detector is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.BasePort == 0 {
		opts.BasePort = 3000
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.WithPrefix("preview"),
		ports:    NewPortAllocator(opts.BasePort, opts.PortQuarantine),
		sessions: make(map[string]*Session),
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.ports.now = opts.Now

	go m.run()
	return m, nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the event loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	finished := make(chan struct{})
	select {
	case m.ops <- func() { defer close(finished); fn() }:
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Open returns the URL of the preview for path, starting one if needed. An
// already open preview is re-rendered and keeps its port.
func (m *Manager) Open(ctx context.Context, path string) (string, error) {
	key, resolveErr := ResolveKey(path)

	var url string
	var openErr error
	err := m.do(ctx, func() {
		url, openErr = m.open(key, resolveErr)
	})
	if err != nil {
		return "", err
	}
	return url, openErr
}

func (m *Manager) open(key string, resolveErr error) (string, error) {
	if m.closed {
		return "", ErrManagerClosed
	}

	if s, ok := m.sessions[key]; ok {
		m.update(s)
		return s.url, nil
	}
	if resolveErr != nil {
		return "", resolveErr
	}
	if !IsMarkdown(key) {
		return "", ErrNotMarkdown
	}

	s, err := m.create(key)
	if err != nil {
		m.logger.Error("failed to open preview", "path", key, "err", err)
		return "", err
	}

	m.sessions[key] = s
	m.countChanged()
	m.logger.Info("preview opened", "path", key, "url", s.url)
	return s.url, nil
}

// create builds a fully serving session or nothing at all.
func (m *Manager) create(key string) (*Session, error) {
	s := newSession(key, m.logger)

	// Render before taking a port so an unreadable file consumes nothing.
	if err := s.refresh(m.opts.Renderer, m.opts.Now()); err != nil {
		return nil, err
	}

	port := m.ports.Next()
	s.assignPort(port)

	if err := s.listen(m.opts.Host); err != nil {
		return nil, err
	}

	sub, err := m.opts.Detector.Subscribe(key, func() { m.notify(s) })
	if err != nil {
		s.stop(m.opts.ShutdownGrace)
		m.ports.Release(port)
		return nil, &SubscribeError{Path: key, Err: err}
	}
	s.sub = sub
	return s, nil
}

// notify queues a change notification for s. It is called from the change
// detector's goroutines.
func (m *Manager) notify(s *Session) {
	select {
	case m.ops <- func() { m.update(s) }:
	case <-m.done:
	}
}

// update re-renders s if it is still the registered session for its key.
// Failures keep the previous content.
func (m *Manager) update(s *Session) {
	if m.closed || m.sessions[s.key] != s {
		m.logger.Debug("dropping change for closed preview", "path", s.key)
		return
	}

	if err := s.refresh(m.opts.Renderer, m.opts.Now()); err != nil {
		s.logger.Warn("update failed, keeping previous content", "err", err)
		return
	}
	s.logger.Debug("preview updated", "revision", s.Revision())
}

// Refresh forces a re-render of an open preview, as if its file had changed.
// Unlike change notifications, failures are returned. It reports whether a
// preview for path was open.
func (m *Manager) Refresh(ctx context.Context, path string) (bool, error) {
	key, _ := ResolveKey(path)

	var found bool
	var refreshErr error
	err := m.do(ctx, func() {
		if m.closed {
			refreshErr = ErrManagerClosed
			return
		}
		s, ok := m.sessions[key]
		if !ok {
			return
		}
		found = true
		refreshErr = s.refresh(m.opts.Renderer, m.opts.Now())
	})
	if err != nil {
		return false, err
	}
	return found, refreshErr
}

// List returns the open previews ordered by port.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	var infos []Info
	err := m.do(ctx, func() {
		infos = make([]Info, 0, len(m.sessions))
		for _, s := range m.sessions {
			infos = append(infos, s.info())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Port < infos[j].Port })
	return infos, nil
}

// Close stops the preview for path. Closing a path with no preview is not
// an error; the result reports whether anything was closed.
func (m *Manager) Close(ctx context.Context, path string) (bool, error) {
	key, _ := ResolveKey(path)

	var closed bool
	err := m.do(ctx, func() {
		if s, ok := m.sessions[key]; ok {
			m.closeSession(s)
			m.countChanged()
			closed = true
		}
	})
	return closed, err
}

// CloseAll stops every preview and returns how many were stopped.
func (m *Manager) CloseAll(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() {
		n = m.closeAll()
	})
	return n, err
}

func (m *Manager) closeAll() int {
	n := len(m.sessions)
	for _, s := range m.sessions {
		m.closeSession(s)
	}
	if n > 0 {
		m.countChanged()
	}
	return n
}

// closeSession unsubscribes first so no notification for s can be queued
// after it leaves the registry, then stops the listener.
func (m *Manager) closeSession(s *Session) {
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.logger.Warn("unsubscribe failed", "err", err)
		}
	}
	s.stop(m.opts.ShutdownGrace)
	delete(m.sessions, s.key)
	m.ports.Release(s.port)
	s.logger.Info("preview closed")
}

// Shutdown closes every preview and stops the event loop. Calling it again
// returns 0.
func (m *Manager) Shutdown(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() {
		if m.closed {
			return
		}
		n = m.closeAll()
		m.closed = true
	})
	if errors.Is(err, ErrManagerClosed) {
		return 0, nil
	}
	if err != nil {
		return n, err
	}

	m.quitOnce.Do(func() { close(m.quit) })
	<-m.done
	return n, nil
}

// Count is the number of open previews. It does not wait for the event loop.
func (m *Manager) Count() int {
	return int(m.count.Load())
}

func (m *Manager) countChanged() {
	n := len(m.sessions)
	m.count.Store(int64(n))
	if m.opts.OnCountChange != nil {
		m.opts.OnCountChange(n)
	}
}

// ResolveKey returns the registry key for path: absolute, cleaned, with
// symlinks resolved. If the file cannot be resolved the absolute path, with
// its directory resolved where possible, is returned along with a
// ContentReadError.
func ResolveKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path), &ContentReadError{Path: path, Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A deleted file still maps to the key it was opened under as long as
		// its directory resolves.
		if dir, dirErr := filepath.EvalSymlinks(filepath.Dir(abs)); dirErr == nil {
			abs = filepath.Join(dir, filepath.Base(abs))
		}
		return abs, &ContentReadError{Path: abs, Err: err}
	}
	return resolved, nil
}

var markdownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdown":    true,
	".mkd":      true,
}

// IsMarkdown reports whether path has a markdown file extension.
func IsMarkdown(path string) bool {
	return markdownExtensions[strings.ToLower(filepath.Ext(path))]
}
