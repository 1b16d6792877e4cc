package preview

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type checkUpdateResponse struct {
	Updated   bool  `json:"updated"`
	Timestamp int64 `json:"timestamp"`
}

var allowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}

// newSessionRouter answers the status route and serves the current page on
// every other path.
func newSessionRouter(s *Session) http.Handler {
	r := chi.NewRouter()
	r.Use(withRecovery(s.logger))
	r.Use(allowAnyOrigin)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: allowedMethods,
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Use(middleware.GetHead)

	r.Get("/check-update", s.serveCheckUpdate)
	r.Get("/*", s.serveDocument)
	return r
}

// withRecovery wraps an HTTP handler with panic recovery
func withRecovery(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic in handler", "err", err, "path", r.URL.Path, "stack", string(debug.Stack()))
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// allowAnyOrigin covers requests without an Origin header, which
// cors.Handler leaves untouched, so every response carries the CORS headers.
func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") == "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
			h.Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Session) serveCheckUpdate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(checkUpdateResponse{
		Updated:   true,
		Timestamp: s.Revision(),
	}); err != nil {
		s.logger.Debug("write check-update response", "err", err)
	}
}

func (s *Session) serveDocument(w http.ResponseWriter, r *http.Request) {
	snap := s.current.Load()
	if snap == nil {
		http.Error(w, "preview not ready", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.WriteString(w, snap.html); err != nil {
		s.logger.Debug("write document response", "err", err)
	}
}
