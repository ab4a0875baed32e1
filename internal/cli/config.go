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

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-bitacross/pkg/client"
)

const (
	defaultServer  = client.DefaultAddress
	defaultTimeout = 30 * time.Second
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the node configuration used by serve and the offline
	// admin commands.
	ConfigFile string

	// OutputFormat controls output formatting (json, text, table)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool

	// Server is the WebSocket URL of a running enclave. http and https
	// are accepted and mapped to ws and wss.
	Server string

	// TLSInsecure skips TLS certificate verification (not recommended)
	TLSInsecure bool

	// TLSCACert is the path to the CA certificate file
	TLSCACert string

	// TLSCert is the path to the client certificate file (for mTLS)
	TLSCert string

	// TLSKey is the path to the client key file (for mTLS)
	TLSKey string

	// Timeout bounds a single RPC command, including a ceremony.
	Timeout time.Duration
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
		Timeout:      defaultTimeout,
	}
}

func (c *Config) bind(v *viper.Viper) error {
	c.ConfigFile = v.GetString("config")
	c.Server = v.GetString("server")
	c.OutputFormat = v.GetString("output")
	c.Verbose = v.GetBool("verbose")
	c.TLSInsecure = v.GetBool("tls-insecure")
	c.TLSCACert = v.GetString("tls-ca")
	c.TLSCert = v.GetString("tls-cert")
	c.TLSKey = v.GetString("tls-key")
	c.Timeout = v.GetDuration("timeout")

	switch OutputFormat(c.OutputFormat) {
	case OutputFormatText, OutputFormatJSON, OutputFormatTable:
	default:
		return fmt.Errorf("unknown output format: %s", c.OutputFormat)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// CreateClient dials the configured enclave. The caller closes it.
func (c *Config) CreateClient(ctx context.Context) (*client.Client, error) {
	address := c.Server
	if address == "" {
		address = defaultServer
	}
	cl, err := client.New(&client.Config{
		Address:               address,
		TLSInsecureSkipVerify: c.TLSInsecure,
		TLSCAFile:             c.TLSCACert,
		TLSCertFile:           c.TLSCert,
		TLSKeyFile:            c.TLSKey,
	})
	if err != nil {
		return nil, err
	}
	if err := cl.Connect(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}
