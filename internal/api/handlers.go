package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/auth"
	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// urls returns every url query parameter, in order.
func urls(r *http.Request) []string {
	return r.URL.Query()["url"]
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// decode reads a JSON body into v. A malformed body is the caller's mistake.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// owner picks the owner for new lists and tables: the body field, else the
// token subject.
func owner(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return auth.Subject(r.Context())
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	opts := transport.FetchOptions{
		NoCache: boolParam(r, "nocache"),
		Relay:   s.relay || boolParam(r, "relay"),
	}
	if t := r.URL.Query().Get("timeout"); t != "" {
		ms, err := strconv.Atoi(t)
		if err != nil || ms <= 0 {
			s.sendError(w, http.StatusBadRequest, "timeout must be a positive number of milliseconds")
			return
		}
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}

	data, err := s.router.Fetch(r.Context(), urls(r), opts)
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if s.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}

	stored, err := s.router.Store(r.Context(), data)
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("content stored",
		zap.Int("size", len(data)),
		zap.Strings("urls", stored),
	)
	s.sendJSON(w, http.StatusCreated, map[string][]string{"urls": stored})
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req transport.SeedRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.router.Seed(r.Context(), req); err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Lists ──────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sigs, err := s.router.List(r.Context(), urls(r))
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sigs)
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	sigs, err := s.router.Reverse(r.Context(), urls(r))
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sigs)
}

type addRequest struct {
	URLs      []string            `json:"urls"`
	Signature transport.Signature `json:"signature"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.router.Add(r.Context(), req.URLs, req.Signature); err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRequest struct {
	Owner string `json:"owner"`
	Table string `json:"table,omitempty"`
}

func (s *Server) handleNewListURLs(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	pairs, err := s.router.NewListURLs(r.Context(), owner(r, req.Owner))
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, pairs)
}

// ─── Tables ─────────────────────────────────────────────────────────────────

func (s *Server) handleNewDatabase(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	pairs, err := s.router.NewDatabase(r.Context(), owner(r, req.Owner))
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, pairs)
}

func (s *Server) handleNewTable(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	pairs, err := s.router.NewTable(r.Context(), owner(r, req.Owner), req.Table)
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, pairs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()["key"]
	if len(keys) == 0 {
		s.sendError(w, http.StatusBadRequest, "at least one key required")
		return
	}
	values, err := s.router.Get(r.Context(), urls(r), keys)
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, values)
}

func (s *Server) handleGetAll(w http.ResponseWriter, r *http.Request) {
	values, err := s.router.GetAll(r.Context(), urls(r))
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, values)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.router.Keys(r.Context(), urls(r))
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, keys)
}

type setRequest struct {
	URLs   []string                   `json:"urls"`
	Values map[string]json.RawMessage `json:"values"`
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.router.Set(r.Context(), req.URLs, req.Values); err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Delete(r.Context(), urls(r), r.URL.Query()["key"]); err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
