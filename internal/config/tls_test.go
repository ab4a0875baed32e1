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
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-bitacross/internal/testutil"
)

func writeServerCert(t *testing.T) (ca *testutil.CA, certFile, keyFile, caFile string) {
	t.Helper()
	ca, err := testutil.NewCA()
	require.NoError(t, err)
	server, err := ca.ServerCert("localhost")
	require.NoError(t, err)

	dir := t.TempDir()
	certFile, keyFile, err = server.WriteFiles(dir, "server")
	require.NoError(t, err)
	caFile, _, err = ca.WriteFiles(dir, "ca")
	require.NoError(t, err)
	return ca, certFile, keyFile, caFile
}

func TestLoadTLSConfig_Disabled(t *testing.T) {
	cfg := &TLSConfig{}
	tlsConfig, err := cfg.LoadTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)
}

func TestLoadTLSConfig(t *testing.T) {
	_, certFile, keyFile, caFile := writeServerCert(t)

	tests := []struct {
		name       string
		cfg        TLSConfig
		minVersion uint16
		clientAuth tls.ClientAuthType
		clientCAs  bool
	}{
		{"server only", TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}, tls.VersionTLS12, tls.NoClientCert, false},
		{"tls 1.3", TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "TLS1.3"}, tls.VersionTLS13, tls.NoClientCert, false},
		{"mtls", TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile, ClientAuth: "require_and_verify"},
			tls.VersionTLS12, tls.RequireAndVerifyClientCert, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.LoadTLSConfig()
			require.NoError(t, err)
			require.Len(t, got.Certificates, 1)
			assert.Equal(t, tt.minVersion, got.MinVersion)
			assert.Equal(t, tt.clientAuth, got.ClientAuth)
			assert.Equal(t, tt.clientCAs, got.ClientCAs != nil)
		})
	}
}

func TestLoadTLSConfig_Errors(t *testing.T) {
	_, certFile, keyFile, _ := writeServerCert(t)
	missing := filepath.Join(t.TempDir(), "missing.pem")

	tests := []struct {
		name string
		cfg  TLSConfig
	}{
		{"missing cert", TLSConfig{Enabled: true, CertFile: missing, KeyFile: keyFile}},
		{"bad client auth", TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientAuth: "sometimes"}},
		{"missing ca", TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientAuth: "verify", CAFile: missing}},
		{"ca is not pem", TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientAuth: "verify", CAFile: keyFile}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.LoadTLSConfig()
			assert.Error(t, err)
		})
	}
}

func TestParseClientAuthType(t *testing.T) {
	for name, want := range map[string]tls.ClientAuthType{
		"":                   tls.NoClientCert,
		"none":               tls.NoClientCert,
		"request":            tls.RequestClientCert,
		"require":            tls.RequireAnyClientCert,
		"verify":             tls.VerifyClientCertIfGiven,
		"require_and_verify": tls.RequireAndVerifyClientCert,
	} {
		got, err := parseClientAuthType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}
