package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Session is one live preview: a document, its port, and the listener that
// serves the latest rendering.
type Session struct {
	key   string
	title string
	port  int
	url   string

	current atomic.Pointer[snapshot]

	server *http.Server
	served chan struct{}
	sub    io.Closer
	logger *log.Logger
}

// snapshot is replaced wholesale on every update, never mutated.
type snapshot struct {
	html     string
	revision int64
}

// Info describes a live session.
type Info struct {
	Key      string `json:"key"`
	Port     int    `json:"port"`
	URL      string `json:"url"`
	Revision int64  `json:"revision"`
}

func newSession(key string, logger *log.Logger) *Session {
	return &Session{
		key:    key,
		title:  filepath.Base(key),
		served: make(chan struct{}),
		logger: logger.With("path", key),
	}
}

// assignPort fixes the session's port. It is called once, before listen.
func (s *Session) assignPort(port int) {
	s.port = port
	s.url = fmt.Sprintf("http://localhost:%d", port)
	s.logger = s.logger.With("port", port)
}

// Revision is the revision currently being served.
func (s *Session) Revision() int64 {
	if snap := s.current.Load(); snap != nil {
		return snap.revision
	}
	return 0
}

func (s *Session) info() Info {
	return Info{Key: s.key, Port: s.port, URL: s.url, Revision: s.Revision()}
}

// nextRevision returns the wall clock in milliseconds, or one past the
// current revision when the clock has not moved past it.
func (s *Session) nextRevision(now time.Time) int64 {
	rev := now.UnixMilli()
	if snap := s.current.Load(); snap != nil && rev <= snap.revision {
		rev = snap.revision + 1
	}
	return rev
}

// refresh reads and renders the document and swaps in the result. On error
// the previous snapshot stays in place.
func (s *Session) refresh(r Renderer, now time.Time) error {
	source, err := os.ReadFile(s.key)
	if err != nil {
		return &ContentReadError{Path: s.key, Err: err}
	}

	rev := s.nextRevision(now)
	html, err := r.Render(source, s.title, rev)
	if err != nil {
		return &RenderError{Path: s.key, Err: err}
	}

	s.current.Store(&snapshot{html: html, revision: rev})
	return nil
}

// listen binds the session's port and starts serving on it.
func (s *Session) listen(host string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &ListenerBindError{Addr: addr, Port: s.port, Err: err}
	}

	s.server = &http.Server{
		Handler:           newSessionRouter(s),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		defer close(s.served)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener stopped", "err", err)
		}
	}()
	return nil
}

// stop stops accepting connections, gives in-flight requests up to grace to
// finish, then force-closes whatever is left.
func (s *Session) stop(grace time.Duration) {
	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful stop timed out, closing", "err", err)
		s.server.Close()
	}
	<-s.served
}
