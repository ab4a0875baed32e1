// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-bitacross.
//
// go-bitacross is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package rpc serves the enclave's JSON-RPC 2.0 API over WebSocket, plus
// the HTTP health probes and the Prometheus endpoint.
package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/enclave"
	"github.com/jeremyhahn/go-bitacross/pkg/health"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
	"github.com/jeremyhahn/go-bitacross/pkg/ratelimit"
)

const (
	DefaultAddr           = ":2000"
	DefaultMaxMessageSize = 1 << 20
	DefaultSendBuffer     = 64
)

// PublicKeySource reports the enclave's public keys.
type PublicKeySource interface {
	PublicKeys() keyrepo.PublicKeys
}

// Config holds the RPC server configuration.
type Config struct {
	// Addr is the listen address (default: ":2000")
	Addr string

	TLSConfig *tls.Config
	Logger    logger.Logger

	// RateLimit throttles JSON-RPC messages per client IP. Nil disables it.
	RateLimit *ratelimit.Config

	// MaxMessageSize bounds a single inbound WebSocket message.
	MaxMessageSize int64
	// SendBuffer is the number of responses queued per connection before
	// the client is considered too slow and disconnected.
	SendBuffer int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// PingInterval is how often the server pings idle WebSocket clients.
	PingInterval time.Duration
}

// Server is the enclave's network front end. It never touches enclave
// state directly; every signing request goes through the dispatcher.
type Server struct {
	cfg      Config
	ectx     *enclave.Context
	keys     PublicKeySource
	health   *health.Checker
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
	log      logger.Logger

	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	conns    map[*wsConn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates the RPC server.
func NewServer(cfg *Config, ectx *enclave.Context, keys PublicKeySource, checker *health.Checker) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if ectx == nil {
		return nil, fmt.Errorf("enclave context is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("public key source is required")
	}
	if checker == nil {
		checker = health.NewChecker()
	}

	c := *cfg
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}

	log := c.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelInfo})
	}

	s := &Server{
		cfg:    c,
		ectx:   ectx,
		keys:   keys,
		health: checker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Relayers and peer enclaves are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   log.With(logger.String("component", "rpc")),
		conns: make(map[*wsConn]struct{}),
	}
	if c.RateLimit != nil && c.RateLimit.Enabled {
		s.limiter = ratelimit.New(c.RateLimit)
	}

	s.server = &http.Server{
		Addr:        c.Addr,
		Handler:     s.Handler(),
		ReadTimeout: c.ReadTimeout,
		// WebSocket writes set their own deadlines.
		IdleTimeout: c.IdleTimeout,
		TLSConfig:   c.TLSConfig,
	}
	return s, nil
}

// Handler returns the router. It is exported for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware())
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health/live", s.health.LiveHandler)
	r.Get("/health/ready", s.health.ReadyHandler)
	r.Get("/health/startup", s.health.StartupHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		// Upgrades spend from the same per-client budget as messages.
		r.Use(ratelimit.Middleware(s.limiter))
		r.Get("/", s.serveWS)
		r.Get("/ws", s.serveWS)
	})
	return r
}

// Start listens and serves until Stop. It returns once the listener is
// bound; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("RPC server listening",
		logger.String("addr", ln.Addr().String()),
		logger.Bool("tls", s.cfg.TLSConfig != nil))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("RPC server stopped", logger.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop shuts the HTTP server down and closes every WebSocket.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Shutting down RPC server")
	err := s.server.Shutdown(ctx)

	// Hijacked connections are not tracked by Shutdown.
	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.log.Info("RPC server stopped")
	return nil
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
