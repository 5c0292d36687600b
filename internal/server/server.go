// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/relay"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// ShutdownTimeout bounds graceful shutdown once the run context ends.
	ShutdownTimeout = 10 * time.Second

	// DefaultPingInterval is how often websocket clients are pinged. A
	// client that sends nothing, not even a pong, for two intervals is
	// disconnected.
	DefaultPingInterval = 30 * time.Second

	// limiterIdle is how long a client may stay quiet before its rate
	// bucket is forgotten.
	limiterIdle = 10 * time.Minute
)

// =============================================================================
// SERVER
// =============================================================================

// Options configures a Server. Relay and Ollama are required; the rest is
// optional.
type Options struct {
	Relay  *relay.Relay
	Ollama *ollama.Client

	// Store enables the /api/chats routes and chat_id persistence.
	Store *storage.Store

	Logger zerolog.Logger

	// Gatherer enables /metrics. Registerer receives the HTTP collectors.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer

	DefaultModel   string
	RateLimit      float64
	RateBurst      int
	MaxBodyBytes   int64
	AuthToken      string
	AllowedOrigins []string

	// URLPolicy vets the server_url a chat request may carry.
	URLPolicy offline.Policy

	// PingInterval overrides DefaultPingInterval. Negative disables
	// websocket keepalive.
	PingInterval time.Duration
}

// Server exposes the relay over HTTP: chat streaming as server-sent events
// or websocket frames, abort, model inspection and chat history.
type Server struct {
	relay    *relay.Relay
	store    *storage.Store
	logger   zerolog.Logger
	limiter  *RateLimiter
	metrics  *HTTPMetrics
	upgrader websocket.Upgrader
	handler  http.Handler
	policy   offline.Policy

	pingInterval time.Duration

	mu           sync.RWMutex
	ollama       *ollama.Client
	defaultModel string

	sockets sync.WaitGroup
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{
		relay:        opts.Relay,
		store:        opts.Store,
		logger:       opts.Logger,
		ollama:       opts.Ollama,
		defaultModel: opts.DefaultModel,
		policy:       opts.URLPolicy,
		pingInterval: opts.PingInterval,
	}
	if s.pingInterval == 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.ollama == nil {
		s.ollama = ollama.NewClient(&ollama.ClientConfig{BaseURL: opts.Relay.DefaultURL()})
	}
	if opts.RateLimit > 0 {
		s.limiter = NewRateLimiter(opts.RateLimit, opts.RateBurst)
	}
	if opts.Registerer != nil {
		s.metrics = NewHTTPMetrics(opts.Registerer)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/chat", s.handleChat)
	api.HandleFunc("POST /api/chat/abort", s.handleAbortAll)
	api.HandleFunc("POST /api/chat/{id}/abort", s.handleAbort)
	api.HandleFunc("GET /api/chat/active", s.handleActive)
	api.HandleFunc("GET /api/ws", s.handleWebSocket)
	api.HandleFunc("GET /api/models", s.handleModels)
	api.HandleFunc("GET /api/models/{name...}", s.handleShowModel)
	api.HandleFunc("GET /api/chats", s.handleListChats)
	api.HandleFunc("POST /api/chats", s.handleCreateChat)
	api.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	api.HandleFunc("PUT /api/chats/{id}/model", s.handleSetChatModel)
	api.HandleFunc("GET /api/chats/{id}/messages", s.handleListMessages)
	api.HandleFunc("POST /api/chats/{id}/messages", s.handleAppendMessage)
	api.HandleFunc("GET /api/chats/{id}/export", s.handleExportChat)

	root := http.NewServeMux()
	root.Handle("/api/", Chain(
		AuthMiddleware(opts.AuthToken, s.logger),
		RateLimitMiddleware(s.limiter),
		BodyLimitMiddleware(opts.MaxBodyBytes),
	)(api))
	root.HandleFunc("GET /api/health", s.handleHealth)
	if opts.Gatherer != nil {
		root.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = Chain(
		RecoveryMiddleware(s.logger),
		MetricsMiddleware(s.metrics),
		LoggingMiddleware(s.logger),
		CORSMiddleware(DefaultCORSConfig(opts.AllowedOrigins)),
	)(root)

	return s
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetUpstream points model inspection and the relay default at url.
func (s *Server) SetUpstream(url string) {
	client := ollama.NewClient(&ollama.ClientConfig{BaseURL: url})

	s.mu.Lock()
	s.ollama = client
	s.mu.Unlock()

	s.relay.SetDefaultURL(url)
}

// SetDefaultModel changes the model used when a chat request names none.
func (s *Server) SetDefaultModel(model string) {
	s.mu.Lock()
	s.defaultModel = model
	s.mu.Unlock()
}

func (s *Server) client() *ollama.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ollama
}

func (s *Server) model(requested string) string {
	if requested != "" {
		return requested
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultModel
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Run serves on addr until ctx ends. On the way out every in-flight relay
// is cancelled and open connections get ShutdownTimeout to drain.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      relay.RequestTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.limiter != nil {
		go s.sweepLimiter(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("server shutting down")
	s.relay.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.sockets.Wait()

	if serveErr := <-errc; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(limiterIdle); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("rate limiter sweep")
			}
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// originChecker allows requests without an Origin header, same-host
// origins and the configured list.
func originChecker(allowed []string) func(*http.Request) bool {
	cors := DefaultCORSConfig(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || cors.allowed(origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}

// writeDecodeError answers 413 for oversized bodies and 400 otherwise.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
