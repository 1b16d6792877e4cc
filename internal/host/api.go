// Package host exposes a running preview manager to host commands over a
// loopback control API.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/razvandimescu/livemd/internal/preview"
)

// Previews is the part of preview.Manager the control API drives.
type Previews interface {
	Open(ctx context.Context, path string) (string, error)
	List(ctx context.Context) ([]preview.Info, error)
	Close(ctx context.Context, path string) (bool, error)
	CloseAll(ctx context.Context) (int, error)
	Count() int
}

type pathRequest struct {
	Path string `json:"path"`
}

type closeResponse struct {
	Closed bool `json:"closed"`
}

type closeAllResponse struct {
	Closed int `json:"closed"`
}

// Status is the /status payload.
type Status struct {
	Count     int    `json:"count"`
	Indicator string `json:"indicator"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the control API.
type Server struct {
	previews  Previews
	indicator *Indicator
	logger    *log.Logger
	router    chi.Router
	httpSrv   *http.Server
}

// NewServer builds the control API around previews.
func NewServer(previews Previews, indicator *Indicator, logger *log.Logger) *Server {
	s := &Server{
		previews:  previews,
		indicator: indicator,
		logger:    logger.WithPrefix("control"),
		router:    chi.NewRouter(),
	}
	s.registerRoutes()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.rejectCrossOrigin)

	s.router.Get("/status", s.handleStatus)
	s.router.Route("/previews", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleOpen)
		r.Delete("/", s.handleCloseAll)
		r.Post("/close", s.handleClose)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the control API on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("control API listening", "addr", ln.Addr().String())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// rejectCrossOrigin refuses requests sent by web pages; only local tools
// without an Origin header may drive previews.
func (s *Server) rejectCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			s.logger.Warn("rejected cross-origin request", "origin", origin, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "cross-origin requests are not allowed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Count:     s.previews.Count(),
		Indicator: s.indicator.Text(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.previews.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePath(w, r)
	if !ok {
		return
	}

	url, err := s.previews.Open(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}

	infos, err := s.previews.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, info := range infos {
		if info.URL == url {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	// Closed again between the two calls.
	writeJSON(w, http.StatusOK, preview.Info{URL: url})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePath(w, r)
	if !ok {
		return
	}

	closed, err := s.previews.Close(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{Closed: closed})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.previews.CloseAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeAllResponse{Closed: n})
}

func decodePath(w http.ResponseWriter, r *http.Request) (pathRequest, bool) {
	var req pathRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return req, false
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return req, false
	}
	return req, true
}

// statusFor maps preview errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		readErr   *preview.ContentReadError
		renderErr *preview.RenderError
		bindErr   *preview.ListenerBindError
	)
	switch {
	case errors.As(err, &readErr):
		return http.StatusNotFound
	case errors.Is(err, preview.ErrNotMarkdown):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &renderErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &bindErr):
		return http.StatusBadGateway
	case errors.Is(err, preview.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
