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

// Package server assembles an enclave node from its configuration: storage,
// keys, registries, the processor, peer delivery and the RPC front end.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-bitacross/internal/config"
	"github.com/jeremyhahn/go-bitacross/internal/rpc"
	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/ceremony"
	"github.com/jeremyhahn/go-bitacross/pkg/enclave"
	"github.com/jeremyhahn/go-bitacross/pkg/health"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
	"github.com/jeremyhahn/go-bitacross/pkg/peers"
	"github.com/jeremyhahn/go-bitacross/pkg/ratelimit"
	"github.com/jeremyhahn/go-bitacross/pkg/registry"
	"github.com/jeremyhahn/go-bitacross/pkg/storage"
	"github.com/jeremyhahn/go-bitacross/pkg/storage/file"
)

// Server is one enclave node.
type Server struct {
	config   *config.Config
	mu       sync.Mutex
	logger   logger.Logger
	logLevel *slog.LevelVar

	backend   storage.Backend
	keys      *keyrepo.Store
	signer    identity.Signer
	relayers  *registry.RelayerRegistry
	enclaves  *registry.EnclaveRegistry
	signers   *registry.SignerRegistry
	peers     *peers.Broadcaster
	ectx      *enclave.Context
	processor *enclave.Processor
	rpc       *rpc.Server

	healthChecker    *health.Checker
	metricsCollector *metrics.ResourceCollector
}

// New opens storage and keys and wires every component. Nothing listens
// until Run.
func New(cfg *config.Config) (*Server, error) {
	log, level := setupLogger(cfg.Logging, os.Stdout)
	s := &Server{config: cfg, logger: log, logLevel: level}

	if err := s.initialize(); err != nil {
		if s.peers != nil {
			_ = s.peers.Close()
		}
		s.closeStorage()
		return nil, err
	}
	return s, nil
}

func (s *Server) initialize() error {
	cfg := s.config
	mrenclave, err := cfg.MrenclaveBytes()
	if err != nil {
		return err
	}
	shard, err := cfg.ShardBytes()
	if err != nil {
		return err
	}

	s.backend, err = OpenStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	s.keys, err = keyrepo.Open(s.backend)
	if err != nil {
		return fmt.Errorf("failed to open keys: %w", err)
	}
	signingKey, err := s.keys.Signing().RetrieveKey()
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	s.signer = identity.NewEd25519Signer(signingKey)
	self, err := s.signer.Identity().Address32()
	if err != nil {
		return err
	}

	if s.relayers, s.enclaves, s.signers, err = OpenRegistries(s.backend); err != nil {
		return err
	}
	if err := s.registerSelf(self); err != nil {
		return err
	}

	s.peers, err = peers.New(peers.Config{
		DialTimeout:           cfg.Peers.DialTimeout,
		CallTimeout:           cfg.Peers.CallTimeout,
		ClientCacheSize:       cfg.Peers.ClientCacheSize,
		TLSInsecureSkipVerify: cfg.Peers.TLSInsecureSkipVerify,
		TLSCAFile:             cfg.Peers.TLSCAFile,
	}, s.signer, mrenclave, shard, s.enclaves, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create peer broadcaster: %w", err)
	}

	s.ectx, err = enclave.NewContext(enclave.Config{
		Mrenclave: mrenclave,
		Shard:     shard,
		Identity:  s.signer.Identity(),
		QueueSize: cfg.Dispatch.QueueSize,
		Ceremony: ceremony.Config{
			MinSigners:    cfg.Ceremony.MinSigners,
			Timeout:       cfg.Ceremony.Timeout,
			TombstoneSize: cfg.Ceremony.TombstoneSize,
		},
		Relayers:    s.relayers,
		Enclaves:    s.enclaves,
		Signers:     s.signers,
		Keys:        enclave.KeysFromStore(s.keys),
		Broadcaster: s.peers,
		Logger:      s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create enclave context: %w", err)
	}
	s.processor = enclave.NewProcessor(s.ectx, cfg.Ceremony.SweepInterval, s.logger)

	s.initializeHealth()

	tlsConfig, err := cfg.TLS.LoadTLSConfig()
	if err != nil {
		return err
	}
	s.rpc, err = rpc.NewServer(&rpc.Config{
		Addr:      cfg.Server.Addr(),
		TLSConfig: tlsConfig,
		Logger:    s.logger,
		RateLimit: &ratelimit.Config{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			Exempt:            cfg.RateLimit.Exempt,
		},
		MaxMessageSize: cfg.Server.MaxMessageSize,
		SendBuffer:     cfg.Server.SendBuffer,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		PingInterval:   cfg.Server.PingInterval,
	}, s.ectx, s.keys, s.healthChecker)
	if err != nil {
		return fmt.Errorf("failed to create RPC server: %w", err)
	}

	s.logger.Info("enclave initialized",
		logger.Stringer("account", self),
		logger.Stringer("mrenclave", mrenclave),
		logger.Stringer("shard", shard),
		logger.String("version", getBuildVersion()))
	return nil
}

// OpenStorage opens the configured backend.
func OpenStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemory(), nil
	case "file":
		return file.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

// OpenRegistries opens the relayer, enclave and signer registries kept in
// backend. Admin tooling uses it against a stopped node's storage.
func OpenRegistries(backend storage.Backend) (*registry.RelayerRegistry, *registry.EnclaveRegistry, *registry.SignerRegistry, error) {
	ns := storage.WithNamespace(backend, "registry")
	relayers, err := registry.NewRelayerRegistry(ns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open relayer registry: %w", err)
	}
	enclaves, err := registry.NewEnclaveRegistry(ns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open enclave registry: %w", err)
	}
	signers, err := registry.NewSignerRegistry(ns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open signer registry: %w", err)
	}
	return relayers, enclaves, signers, nil
}

// registerSelf makes this enclave a signer and, when it has a public URL,
// a reachable peer.
func (s *Server) registerSelf(self identity.Address32) error {
	btcKey, err := s.keys.Bitcoin().RetrieveKey()
	if err != nil {
		return fmt.Errorf("failed to load bitcoin key: %w", err)
	}
	if err := s.signers.Update(self, btcKey.PubKey()); err != nil {
		return fmt.Errorf("failed to register own signer key: %w", err)
	}
	if s.config.Enclave.URL != "" {
		if err := s.enclaves.Update(self, s.config.Enclave.URL); err != nil {
			return fmt.Errorf("failed to register own worker URL: %w", err)
		}
	}
	return nil
}

func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	s.healthChecker.RegisterCheck("processor", health.ErrorCheck("processor", func(context.Context) error {
		return s.processor.Healthy()
	}))
	s.healthChecker.RegisterCheck("keys", health.ErrorCheck("keys", func(context.Context) error {
		_, err := s.keys.Bitcoin().RetrieveKey()
		return err
	}))
	s.healthChecker.RegisterCheck("signers", func(context.Context) health.CheckResult {
		have, need := len(s.signers.GetAll()), s.config.Ceremony.MinSigners
		result := health.CheckResult{
			Name:    "signers",
			Status:  health.StatusHealthy,
			Message: fmt.Sprintf("%d of %d signers registered", have, need),
		}
		if have < need {
			// Direct calls still work; only ceremonies are refused.
			result.Status = health.StatusDegraded
		}
		return result
	})
}

// Run serves until ctx is cancelled or the processor fails, then shuts
// everything down. A processor panic is returned so the caller exits.
func (s *Server) Run(ctx context.Context) error {
	if s.config.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.config.Metrics.Enabled {
		s.metricsCollector = metrics.NewResourceCollector(15 * time.Second)
		go s.metricsCollector.Run(ctx)
	}

	procErr := make(chan error, 1)
	go func() { procErr <- s.processor.Run(ctx) }()

	if err := s.rpc.Start(); err != nil {
		cancel()
		<-procErr
		s.shutdown()
		return err
	}
	s.healthChecker.MarkStarted()
	s.logger.Info("enclave started", logger.String("addr", s.rpc.Addr()))

	var runErr error
	select {
	case <-ctx.Done():
		<-procErr
	case runErr = <-procErr:
		if runErr != nil {
			s.logger.Error("processor stopped", logger.Error(runErr))
		}
		cancel()
	}

	s.shutdown()
	if errors.Is(runErr, enclave.ErrProcessorPanic) {
		return runErr
	}
	return nil
}

// Addr is the RPC listen address once Run has started it.
func (s *Server) Addr() string {
	return s.rpc.Addr()
}

// Context exposes the enclave context for admin tooling and tests.
func (s *Server) Context() *enclave.Context {
	return s.ectx
}

// Registries returns the relayer, enclave and signer registries.
func (s *Server) Registries() (*registry.RelayerRegistry, *registry.EnclaveRegistry, *registry.SignerRegistry) {
	return s.relayers, s.enclaves, s.signers
}

// Health returns the checker behind the /health endpoints.
func (s *Server) Health() *health.Checker {
	return s.healthChecker
}

func (s *Server) shutdown() {
	s.logger.Info("Shutting down enclave...")
	s.healthChecker.MarkNotStarted()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.rpc.Stop(ctx); err != nil {
		s.logger.Error("Error shutting down RPC server", logger.Error(err))
	}
	if err := s.peers.Close(); err != nil {
		s.logger.Error("Error closing peer clients", logger.Error(err))
	}
	s.closeStorage()
	s.logger.Info("Enclave shutdown complete")
}

func (s *Server) closeStorage() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Error("Error closing storage", logger.Error(err))
	}
	s.backend = nil
}

// setupLogger builds the slog handler for cfg. The returned LevelVar lets
// Reload change the level in place.
func setupLogger(cfg config.LoggingConfig, w io.Writer) (logger.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{Logger: slog.New(handler)}), level
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getBuildVersion retrieves the version from build information
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM, and
// a channel that receives SIGHUP.
func SetupSignalHandler() (context.Context, <-chan os.Signal) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		<-stop
		slog.Info("Received shutdown signal")
		cancel()
	}()
	return ctx, hup
}
