package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/discovery"
	"github.com/JakeFAU/policy-ingest/internal/metrics"
	"github.com/JakeFAU/policy-ingest/internal/pipeline"
)

const defaultRequestTimeout = 2 * time.Minute

// Ingester starts and runs ingest jobs.
type Ingester interface {
	Start(ctx context.Context, root string) (string, error)
	Run(ctx context.Context, jobID, root string) (pipeline.Summary, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the services behind the routes.
type Deps struct {
	Jobs       crawler.JobStore
	Scraper    crawler.Scraper
	Discoverer pipeline.Discoverer
	Ingester   Ingester
	// Discovery is the baseline for /v1/discover; requests may tighten it.
	Discovery discovery.Config
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
	// BaseContext parents background ingest runs.
	BaseContext context.Context
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the ingestion services.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger

	inflight sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Post("/scrape", s.scrape)
		r.Post("/discover", s.discover)
		r.Post("/ingest", s.ingest)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/progress", s.getProgress)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until background ingest runs finish or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for ingest runs: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	URL string `json:"url"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateTarget(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.deps.Scraper.Scrape(r.Context(), req.URL)
	s.writeJSON(w, http.StatusOK, res)
}

type discoverRequest struct {
	URL      string `json:"url"`
	MaxPages *int   `json:"max_pages"`
	MaxDepth *int   `json:"max_depth"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateTarget(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := s.deps.Discovery.WithDefaults()
	cfg.MaxPages = tighten(req.MaxPages, cfg.MaxPages)
	cfg.MaxDepth = tighten(req.MaxDepth, cfg.MaxDepth)
	res := s.deps.Discoverer.Discover(r.Context(), req.URL, cfg)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateTarget(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.deps.Ingester.Start(r.Context(), req.URL)
	if err != nil {
		s.logger.Error("start ingest failed", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.deps.Ingester.Run(s.deps.BaseContext, jobID, req.URL); err != nil {
			s.logger.Info("ingest run ended with error", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(crawler.JobStatusPending)})
}

// tighten lets a request lower a bound but never raise it.
func tighten(requested *int, limit int) int {
	if requested == nil || *requested <= 0 || *requested > limit {
		return limit
	}
	return *requested
}

func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.New("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must be http or https")
	}
	return nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
