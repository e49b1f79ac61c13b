// Package api exposes the router over HTTP: the operation surface, transport
// statuses, pause toggling and a server-sent event stream of status changes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/auth"
	"github.com/internetarchive/dweb-transports-sub000/internal/events"
	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
	"github.com/internetarchive/dweb-transports-sub000/internal/router"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Options configures a Server.
type Options struct {
	MaxUploadSize int64
	// Relay turns on relay repair for fetches that do not ask for it.
	Relay bool
}

// Server is the HTTP server.
type Server struct {
	router        *router.Router
	auth          *auth.Auth
	maxUploadSize int64
	relay         bool

	closeOnce sync.Once
	closing   chan struct{}
}

// NewServer creates a new server.
func NewServer(r *router.Router, authHandler *auth.Auth, opts Options) *Server {
	if authHandler == nil {
		authHandler = auth.New("")
	}
	return &Server{
		router:        r,
		auth:          authHandler,
		maxUploadSize: opts.MaxUploadSize,
		relay:         opts.Relay,
		closing:       make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. http.Server.Shutdown does not
// cancel request contexts, so register it with RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Handler returns the root handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Reads
	mux.HandleFunc("GET /api/v1/fetch", s.handleFetch)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/list", s.handleList)
	mux.HandleFunc("GET /api/v1/reverse", s.handleReverse)
	mux.HandleFunc("GET /api/v1/kv", s.handleGet)
	mux.HandleFunc("GET /api/v1/kv/keys", s.handleKeys)
	mux.HandleFunc("GET /api/v1/kv/all", s.handleGetAll)
	mux.HandleFunc("GET /api/v1/statuses", s.handleStatuses)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Writes
	write := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth.Middleware(h))
	}
	write("POST /api/v1/store", s.handleStore)
	write("POST /api/v1/add", s.handleAdd)
	write("POST /api/v1/kv", s.handleSet)
	write("DELETE /api/v1/kv", s.handleDelete)
	write("POST /api/v1/newlisturls", s.handleNewListURLs)
	write("POST /api/v1/newdatabase", s.handleNewDatabase)
	write("POST /api/v1/newtable", s.handleNewTable)
	write("POST /api/v1/seed", s.handleSeed)

	// Admin
	mux.Handle("POST /api/v1/transports/{name}/pause", s.auth.RequireAdmin(http.HandlerFunc(s.handleTogglePause)))

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := 0
	statuses := s.router.Statuses()
	for _, st := range statuses {
		if st.Status == transport.StatusConnected {
			connected++
		}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"transports": len(statuses),
		"connected":  connected,
		"listeners":  s.router.Events().Count(),
	})
}

// ─── Statuses ───────────────────────────────────────────────────────────────

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.router.Statuses())
}

func (s *Server) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, err := s.router.TogglePause(r.Context(), name)
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("transport pause toggled",
		logging.Transport(name),
		zap.Stringer("status", st),
	)
	s.sendJSON(w, http.StatusOK, router.StatusInfo{Name: name, Status: st})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	b := s.router.Events()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Current state first, so clients need not call /statuses.
	now := time.Now().Unix()
	for _, st := range s.router.Statuses() {
		writeEvent(w, events.Event{Transport: st.Name, Status: st.Status, Timestamp: now})
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) {
	data, err := events.MarshalEvent(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
}

// ─── Responses ──────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

// sendRouterError maps a router error onto an HTTP status.
func (s *Server) sendRouterError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		logging.WithContext(r.Context()).Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	s.sendError(w, code, err.Error())
}

func statusFor(err error) int {
	var agg *transport.AggregateError
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, transport.ErrCoding):
		return http.StatusBadRequest
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, router.ErrUnknownTransport):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, transport.ErrNoTransport):
		return http.StatusServiceUnavailable
	case errors.As(err, &agg):
		if allTimeouts(agg) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, transport.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func allTimeouts(agg *transport.AggregateError) bool {
	fs := agg.Failures()
	for _, f := range fs {
		if !errors.Is(f.Err, transport.ErrTimeout) {
			return false
		}
	}
	return len(fs) > 0
}
