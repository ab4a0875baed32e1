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

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Enclave   EnclaveConfig   `yaml:"enclave"`
	Ceremony  CeremonyConfig  `yaml:"ceremony"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Peers     PeersConfig     `yaml:"peers"`
	Logging   LoggingConfig   `yaml:"logging"`
	TLS       TLSConfig       `yaml:"tls"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig contains the RPC listener settings
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EnclaveConfig identifies the code measurement and shard requests are
// bound to.
type EnclaveConfig struct {
	Mrenclave string `yaml:"mrenclave"`
	Shard     string `yaml:"shard"`
	// URL is the worker URL this enclave registers for itself.
	URL string `yaml:"url"`
}

// CeremonyConfig controls the MuSig2 coordinator
type CeremonyConfig struct {
	MinSigners    int           `yaml:"min_signers"`
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	TombstoneSize int           `yaml:"tombstone_size"`
}

// DispatchConfig controls the processor queue
type DispatchConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// PeersConfig controls delivery of round calls to other enclaves
type PeersConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
	ClientCacheSize       int           `yaml:"client_cache_size"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify"`
	TLSCAFile             string        `yaml:"tls_ca_file"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig controls per-client throttling of JSON-RPC messages
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	Exempt            []string `yaml:"exempt"`
}

// MetricsConfig controls the Prometheus collectors
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StorageConfig selects where keys and registries are persisted
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, file
	Path    string `yaml:"path"`
}

// Default returns a configuration that runs a single local enclave.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            2000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			PingInterval:    30 * time.Second,
			MaxMessageSize:  1 << 20,
			SendBuffer:      64,
			ShutdownTimeout: 10 * time.Second,
		},
		Ceremony: CeremonyConfig{
			MinSigners:    3,
			Timeout:       30 * time.Second,
			SweepInterval: 3 * time.Second,
			TombstoneSize: 1024,
		},
		Dispatch: DispatchConfig{QueueSize: 256},
		Peers: PeersConfig{
			DialTimeout:     5 * time.Second,
			CallTimeout:     10 * time.Second,
			ClientCacheSize: 64,
		},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		Metrics:   MetricsConfig{Enabled: true},
		Storage:   StorageConfig{Backend: "file", Path: "data"},
	}
}

// Load reads configuration from a YAML file over the defaults and applies
// environment variable overrides
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("BITACROSS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if v := os.Getenv("BITACROSS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			log.Printf("Warning: invalid BITACROSS_PORT value %q, using %d", v, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BITACROSS_MRENCLAVE"); v != "" {
		cfg.Enclave.Mrenclave = v
	}
	if v := os.Getenv("BITACROSS_SHARD"); v != "" {
		cfg.Enclave.Shard = v
	}
	if v := os.Getenv("BITACROSS_URL"); v != "" {
		cfg.Enclave.URL = v
	}
	if v := os.Getenv("BITACROSS_MIN_SIGNERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Warning: invalid BITACROSS_MIN_SIGNERS value %q, using %d", v, cfg.Ceremony.MinSigners)
		} else {
			cfg.Ceremony.MinSigners = n
		}
	}
	if v := os.Getenv("BITACROSS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BITACROSS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BITACROSS_DATA_DIR"); v != "" {
		cfg.Storage.Path = v
	}
}

// MrenclaveBytes parses the configured measurement.
func (c *Config) MrenclaveBytes() (directcall.Mrenclave, error) {
	return directcall.ParseMrenclave(c.Enclave.Mrenclave)
}

// ShardBytes parses the configured shard. An empty shard defaults to the
// mrenclave, which is how a freshly provisioned enclave names its shard.
func (c *Config) ShardBytes() (directcall.Shard, error) {
	if c.Enclave.Shard == "" {
		mr, err := c.MrenclaveBytes()
		return directcall.Shard(mr), err
	}
	return directcall.ParseShard(c.Enclave.Shard)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid port: %d", c.Server.Port))
	}
	if _, err := c.MrenclaveBytes(); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid enclave.mrenclave: %w", err))
	}
	if c.Enclave.Shard != "" {
		if _, err := directcall.ParseShard(c.Enclave.Shard); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid enclave.shard: %w", err))
		}
	}
	if c.Ceremony.MinSigners < 2 {
		result = multierror.Append(result, fmt.Errorf("ceremony.min_signers must be at least 2, got %d", c.Ceremony.MinSigners))
	}
	if c.Ceremony.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("ceremony.timeout must be positive"))
	}
	if c.Dispatch.QueueSize < 1 {
		result = multierror.Append(result, fmt.Errorf("dispatch.queue_size must be positive"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		result = multierror.Append(result, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		result = multierror.Append(result, fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			result = multierror.Append(result, fmt.Errorf("TLS cert_file is required when TLS is enabled"))
		}
		if c.TLS.KeyFile == "" {
			result = multierror.Append(result, fmt.Errorf("TLS key_file is required when TLS is enabled"))
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		result = multierror.Append(result, fmt.Errorf("ratelimit.requests_per_second must be positive"))
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			result = multierror.Append(result, fmt.Errorf("storage path must be specified"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage backend: %q (must be memory or file)", c.Storage.Backend))
	}

	return result.ErrorOrNil()
}
