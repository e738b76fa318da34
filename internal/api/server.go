package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/config"
	"github.com/JakeFAU/tgscan/internal/metrics"
	"github.com/JakeFAU/tgscan/internal/resolver"
	"github.com/JakeFAU/tgscan/internal/scan"
	"github.com/JakeFAU/tgscan/internal/watchlist"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Controller is the slice of the scan controller the HTTP layer drives.
type Controller interface {
	Begin(ctx context.Context) (scan.CycleInfo, error)
	UpdateKeywords(ctx context.Context, words []string) (watchlist.Snapshot, error)
	AddTarget(ctx context.Context, raw string) (bool, error)
	Status() scan.Status
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Server wires HTTP handlers to the controller and the cycle history.
type Server struct {
	router chi.Router
	ctrl   Controller
	runs   *RunsHandler
	checks []ReadyCheck
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil
// when no cycle history backend is configured.
func NewServer(ctrl Controller, runs *RunsHandler, cfg config.Config, logger *zap.Logger, checks ...ReadyCheck) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ctrl:   ctrl,
		runs:   runs,
		checks: checks,
		logger: logger.Named("api"),
	}
	timeout := defaultRequestTimeout
	if cfg.Server.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/results", s.getResults)
		r.Post("/cycles", s.startCycle)
		r.Put("/keywords", s.updateKeywords)
		r.Post("/targets", s.addTarget)
		if runs != nil {
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", runs.ListRuns)
				r.Get("/{cycle_id}", runs.GetRun)
				r.Get("/{cycle_id}/targets", runs.ListRunTargets)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) getResults(w http.ResponseWriter, _ *http.Request) {
	status := s.ctrl.Status()
	writeJSON(w, http.StatusOK, resultsResponse{
		CycleID: status.CycleID,
		State:   status.State,
		Count:   len(status.Results),
		Results: status.Results,
	})
}

func (s *Server) startCycle(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctrl.Begin(r.Context())
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cycleResponse{CycleInfo: info})
}

func (s *Server) updateKeywords(w http.ResponseWriter, r *http.Request) {
	var req keywordsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	startNow, err := parseBoolQuery(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.ctrl.UpdateKeywords(r.Context(), req.Keywords)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	resp := keywordsResponse{Watchlist: snap}
	if !startNow {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	info, err := s.ctrl.Begin(r.Context())
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	resp.Cycle = &info
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) addTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	added, err := s.ctrl.AddTarget(r.Context(), req.Target)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	normalized, _ := resolver.Normalize(req.Target)
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	writeJSON(w, code, targetResponse{Target: normalized, Added: added})
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("controller request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, scan.ErrNoKeywords), errors.Is(err, watchlist.ErrInvalidTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type resultsResponse struct {
	CycleID string          `json:"cycle_id,omitempty"`
	State   scan.CycleState `json:"state"`
	Count   int             `json:"count"`
	Results []scan.Match    `json:"results"`
}

type cycleResponse struct {
	scan.CycleInfo
}

type keywordsRequest struct {
	Keywords []string `json:"keywords"`
}

type keywordsResponse struct {
	Watchlist watchlist.Snapshot `json:"watchlist"`
	Cycle     *scan.CycleInfo    `json:"cycle,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type targetRequest struct {
	Target string `json:"target"`
}

type targetResponse struct {
	Target scan.Target `json:"target"`
	Added  bool        `json:"added"`
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
