// Package api exposes the HTTP interface for the analysis service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/cache"
	"github.com/seoscope/seoscope/internal/config"
	"github.com/seoscope/seoscope/internal/metrics"
)

// Analyzer runs one analysis for a client.
type Analyzer interface {
	Analyze(ctx context.Context, rawURL, clientID string, opts analyzer.Options) (*analyzer.Result, error)
}

// CacheAdmin invalidates cache entries by key.
type CacheAdmin interface {
	Delete(ctx context.Context, key string) error
}

// HistoryReader lists a client's recent analyses.
type HistoryReader interface {
	List(ctx context.Context, clientID string, limit int) ([]analyzer.HistoryRecord, error)
}

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router   chi.Router
	analyzer Analyzer
	cache    CacheAdmin
	history  HistoryReader
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(a Analyzer, cacheAdmin CacheAdmin, history HistoryReader, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		analyzer: a,
		cache:    cacheAdmin,
		history:  history,
		logger:   logger,
		cfg:      cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(time.Duration(cfg.Server.RequestTimeoutS) * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/analyze", s.analyzePost)
		r.Get("/analyze", s.analyzeGet)
		r.Get("/history", s.getHistory)
		r.Get("/export", s.exportHistory)
		r.Delete("/cache/{key}", s.deleteCacheEntry)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type analyzeRequest struct {
	URL         string `json:"url"`
	BypassCache bool   `json:"bypass_cache"`
	IncludeRaw  bool   `json:"include_raw"`
	UserAgent   string `json:"user_agent"`
}

func (s *Server) analyzePost(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.runAnalysis(w, r, req)
}

func (s *Server) analyzeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := analyzeRequest{
		URL:         q.Get("url"),
		BypassCache: q.Get("bypass_cache") == "true",
		IncludeRaw:  q.Get("include_raw") == "true",
	}
	s.runAnalysis(w, r, req)
}

func (s *Server) runAnalysis(w http.ResponseWriter, r *http.Request, req analyzeRequest) {
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	clientID := s.clientIdentity(r)
	opts := analyzer.Options{
		BypassCache: req.BypassCache,
		IncludeRaw:  req.IncludeRaw,
		UserAgent:   req.UserAgent,
	}

	result, err := s.analyzer.Analyze(r.Context(), req.URL, clientID, opts)
	if err != nil {
		s.writeAnalysisError(w, req.URL, err)
		return
	}

	outcome := "success"
	var fetchedBytes int64
	if result.CacheHit {
		outcome = "cache_hit"
		metrics.ObserveCacheEvent("hit")
	} else {
		// Only a fresh analysis moved bytes over the wire.
		fetchedBytes = result.ContentLength
		metrics.ObserveCacheEvent("miss")
	}
	metrics.ObserveAnalysis(result.NormalizedURL, outcome, fetchedBytes,
		time.Duration(result.Timing.FetchMs)*time.Millisecond)

	setRateLimitHeaders(w, result.RateLimit)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeAnalysisError(w http.ResponseWriter, rawURL string, err error) {
	var analysisErr *analyzer.Error
	if !errors.As(err, &analysisErr) {
		s.logger.Error("analysis failed", zap.String("url", rawURL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	switch analysisErr.Kind {
	case analyzer.KindValidation:
		s.writeError(w, http.StatusBadRequest, analysisErr.Error())
	case analyzer.KindSSRF:
		metrics.ObserveSSRFBlock()
		metrics.ObserveAnalysis(rawURL, "ssrf_blocked", 0, 0)
		s.writeError(w, http.StatusForbidden, "target address not allowed")
	case analyzer.KindRateLimit:
		metrics.ObserveRateLimitDenied()
		if analysisErr.Decision != nil {
			setRateLimitHeaders(w, *analysisErr.Decision)
			retryAfter := int(time.Until(analysisErr.Decision.ResetAt) / time.Second)
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			}
		}
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case analyzer.KindFetch:
		metrics.ObserveAnalysis(rawURL, "fetch_error", 0, 0)
		s.writeError(w, http.StatusBadGateway, analysisErr.Error())
	default:
		s.logger.Error("analysis failed", zap.String("url", rawURL), zap.Error(analysisErr))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	rows, ok := s.listHistory(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

func (s *Server) deleteCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.cache.Delete(r.Context(), key); err != nil {
		if errors.Is(err, cache.ErrInvalidKey) {
			s.writeError(w, http.StatusBadRequest, "invalid cache key")
			return
		}
		s.logger.Error("cache delete failed", zap.String("key", key), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cache delete failed")
		return
	}
	metrics.ObserveCacheEvent("delete")
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "deleted"})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) ([]analyzer.HistoryRecord, bool) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return nil, false
		}
		limit = parsed
	}
	rows, err := s.history.List(r.Context(), s.clientIdentity(r), limit)
	if err != nil {
		s.logger.Error("history list failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "history unavailable")
		return nil, false
	}
	return rows, true
}

func setRateLimitHeaders(w http.ResponseWriter, d analyzer.RateDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
