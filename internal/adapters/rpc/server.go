// Package rpc is the HTTP shell of the dev host: JSON-RPC commands on /rpc,
// the two upstream channels as SSE streams, health and metrics.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"panthalassa/go-core/internal/config"
	"panthalassa/go-core/internal/dapp"
	"panthalassa/go-core/internal/platform/ratelimiter"
	"panthalassa/go-core/internal/runtime"
	"panthalassa/go-core/internal/upstream"
)

const tokenHeader = "X-Panthalassa-Token"

// Runtime is the part of *runtime.Runtime the server drives.
type Runtime interface {
	Start(ctx context.Context, opts runtime.Options) error
	Stop(ctx context.Context) error
	Started() bool
	Call(ctx context.Context, command, payload string) (string, error)
}

type Server struct {
	httpServer *http.Server
	rt         Runtime
	cfg        config.HostConfig
	client     *upstream.Hub
	ui         *upstream.Hub
	engine     dapp.Engine
	metrics    http.Handler
	limiter    *ratelimiter.MapLimiter
	streams    *streamLimiter
	idem       *idempotencyCache
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithEngine sets the DApp engine passed to every runtime start.
func WithEngine(engine dapp.Engine) Option {
	return func(s *Server) {
		s.engine = engine
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(cfg config.HostConfig, rt Runtime, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		rt:      rt,
		cfg:     cfg,
		client:  upstream.NewHub(upstream.NameClient, cfg.UpstreamReplay),
		ui:      upstream.NewHub(upstream.NameUI, cfg.UpstreamReplay),
		limiter: ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		streams: newStreamLimiter(defaultStreamsGlobal, defaultStreamsPerClient),
		idem:    newIdempotencyCache(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Token == "" {
		s.logger.Warn("dev host token is not set; rpc auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/upstream/client", s.handleStream(s.client))
	mux.HandleFunc("/upstream/ui", s.handleStream(s.ui))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return s
}

// Handler exposes the routes, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then stops the runtime.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("dev host listening", "addr", s.cfg.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.stopRuntime(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		s.stopRuntime(shutdownCtx)
		return err
	}
}

func (s *Server) stopRuntime(ctx context.Context) {
	if !s.rt.Started() {
		return
	}
	if err := s.rt.Stop(ctx); err != nil {
		s.logger.Warn("runtime stop failed", "reason", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "started": s.rt.Started()})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Last-Event-ID, "+tokenHeader+", "+idempotencyHeader)
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if extractToken(r) != s.cfg.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(tokenHeader)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// isAllowedOrigin admits loopback origins only.
func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
