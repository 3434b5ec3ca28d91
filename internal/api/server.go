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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/config"
	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/remote"
	"github.com/JakeFAU/pagesnap/internal/strategy"
)

const maxRequestBytes = 1 << 20

// Server wires HTTP handlers to the strategy pool.
type Server struct {
	router chi.Router
	pool   *Pool
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(pool *Pool, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/crawl", s.crawlBatch)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawl", s.crawl)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.pool.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	URL            string `json:"url"`
	BypassHeadless bool   `json:"bypass_headless"`
	Screenshot     bool   `json:"screenshot"`
}

type crawlResponse struct {
	URL        string `json:"url"`
	HTML       string `json:"html,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := crawlResponse{URL: req.URL}
	err := s.withStrategy(r.Context(), func(st strategy.Strategy) error {
		html, err := st.Crawl(r.Context(), req.URL, strategy.CrawlOptions{BypassHeadless: req.BypassHeadless})
		resp.HTML = html
		if req.Screenshot {
			resp.Screenshot = st.Screenshot(r.Context())
		}
		return err
	})
	if err != nil {
		resp.Error = err.Error()
		s.logger.Warn("crawl failed", zap.String("url", req.URL), zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// crawlBatch answers the remote delegate wire contract, so one pagesnap can
// delegate to another. Per-URL failures are reported in the result.
func (s *Server) crawlBatch(w http.ResponseWriter, r *http.Request) {
	var req remote.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}

	out := remote.Response{Results: make([]remote.Result, 0, len(req.URLs))}
	for _, rawURL := range req.URLs {
		result := remote.Result{URL: rawURL}
		if err := validateURL(rawURL); err != nil {
			result.Error = err.Error()
			out.Results = append(out.Results, result)
			continue
		}
		err := s.withStrategy(r.Context(), func(st strategy.Strategy) error {
			html, err := st.Crawl(r.Context(), rawURL, strategy.CrawlOptions{BypassHeadless: req.BypassHeadless})
			if req.IncludeRawHTML {
				result.HTML = html
			}
			return err
		})
		if err != nil {
			result.Error = err.Error()
			s.logger.Warn("crawl failed", zap.String("url", rawURL), zap.String("request_id", requestID(r.Context())), zap.Error(err))
		}
		out.Results = append(out.Results, result)
	}
	writeJSON(w, http.StatusOK, out)
}

// withStrategy runs fn on a pooled strategy. A strategy whose crawl failed is
// discarded so a broken browser is never reused.
func (s *Server) withStrategy(ctx context.Context, fn func(strategy.Strategy) error) error {
	st, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		s.pool.Discard(st)
		return err
	}
	s.pool.Release(st)
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, crawlerr.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, crawlerr.ErrRenderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, crawlerr.ErrNavigation), errors.Is(err, crawlerr.ErrFallbackExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL: %q", rawURL)
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", duration),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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
