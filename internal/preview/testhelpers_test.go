package preview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/razvandimescu/livemd/internal/render"
	"github.com/stretchr/testify/require"
)

// fakeDetector hands out subscriptions that fire only when a test triggers them.
type fakeDetector struct {
	mu     sync.Mutex
	subs   map[string]*fakeSubscription
	active int
	fail   error
}

type fakeSubscription struct {
	d        *fakeDetector
	path     string
	onChange func()
	closed   bool
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{subs: make(map[string]*fakeSubscription)}
}

func (d *fakeDetector) Subscribe(path string, onChange func()) (io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	sub := &fakeSubscription{d: d, path: path, onChange: onChange}
	d.subs[path] = sub
	d.active++
	return sub, nil
}

func (s *fakeSubscription) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return errors.New("subscription closed twice")
	}
	s.closed = true
	s.d.active--
	return nil
}

// Active is the number of subscriptions not yet closed.
func (d *fakeDetector) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// callback returns the onChange registered most recently for path.
func (d *fakeDetector) callback(t *testing.T, path string) func() {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[path]
	require.True(t, ok, "no subscription for %s", path)
	return sub.onChange
}

// trigger simulates a content change. It returns once the manager's event
// loop has accepted the notification, so any later Manager call observes it.
func (d *fakeDetector) trigger(t *testing.T, path string) {
	t.Helper()
	d.callback(t, path)()
}

// flakyRenderer wraps the real renderer and can be told to fail.
type flakyRenderer struct {
	inner Renderer
	fail  atomic.Bool
}

func (r *flakyRenderer) Render(source []byte, title string, revision int64) (string, error) {
	if r.fail.Load() {
		return "", errors.New("renderer exploded")
	}
	return r.inner.Render(source, title, revision)
}

type testEnv struct {
	manager  *Manager
	detector *fakeDetector
	renderer *flakyRenderer
	basePort int
	dir      string
}

// newTestEnv builds a Manager on a free port range with a fake detector and
// shuts it down when the test ends.
func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()

	inner, err := render.New(render.Options{PollInterval: time.Second})
	require.NoError(t, err)

	env := &testEnv{
		detector: newFakeDetector(),
		renderer: &flakyRenderer{inner: inner},
		basePort: freeBasePort(t),
		dir:      t.TempDir(),
	}

	opts := Options{
		Renderer:      env.renderer,
		Detector:      env.detector,
		Logger:        log.New(io.Discard),
		BasePort:      env.basePort,
		ShutdownGrace: time.Second,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	m, err := NewManager(opts)
	require.NoError(t, err)
	env.manager = m

	t.Cleanup(func() {
		m.Shutdown(context.Background())
	})
	return env
}

// freeBasePort asks the kernel for an unused port to count up from.
func freeBasePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// createTestMarkdownFile creates a markdown file with specified content
func createTestMarkdownFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}

var testClient = &http.Client{
	Timeout:   2 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

// fetch GETs url and returns the status, content type and body.
func fetch(t *testing.T, url string) (int, string, string) {
	t.Helper()
	resp, err := testClient.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header.Get("Content-Type"), string(body)
}

// checkUpdate returns the timestamp reported by the session's status route.
func checkUpdate(t *testing.T, baseURL string) int64 {
	t.Helper()
	resp, err := testClient.Get(baseURL + "/check-update")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got checkUpdateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.True(t, got.Updated)
	return got.Timestamp
}

// isListening reports whether something accepts connections on port.
func isListening(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
