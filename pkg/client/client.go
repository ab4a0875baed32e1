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

// Package client is a WebSocket JSON-RPC client for the enclave server. It
// is used by the CLI and by peer enclaves to deliver ceremony rounds.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"

	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/health"
	"github.com/jeremyhahn/go-bitacross/pkg/jsonrpc"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
)

// DefaultAddress is the server's default WebSocket endpoint.
const DefaultAddress = "ws://localhost:2000/ws"

var (
	// ErrUnsupportedScheme is returned for addresses that are not ws, wss,
	// http or https.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrConnectionFailed is returned when the WebSocket dial fails.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrNotConnected is returned before Connect or after the connection
	// dropped.
	ErrNotConnected = errors.New("client not connected")
)

// Config configures the client.
type Config struct {
	// Address is a ws:// or wss:// URL. http and https are mapped to ws and
	// wss.
	Address string

	TLSInsecureSkipVerify bool
	TLSCAFile             string
	// TLSCertFile and TLSKeyFile enable mutual TLS.
	TLSCertFile string
	TLSKeyFile  string

	// Headers are sent with the upgrade request.
	Headers map[string]string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Client multiplexes JSON-RPC calls over one WebSocket. Responses are routed
// by id; a watched request receives several responses with the same id.
type Client struct {
	cfg     Config
	url     string
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *jsonrpc.Response
	done    chan struct{}
	err     error
}

// New validates cfg. Call Connect before use.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := &Client{cfg: *cfg}
	if c.cfg.Address == "" {
		c.cfg.Address = DefaultAddress
	}
	if c.cfg.HandshakeTimeout <= 0 {
		c.cfg.HandshakeTimeout = 10 * time.Second
	}
	if c.cfg.WriteTimeout <= 0 {
		c.cfg.WriteTimeout = 10 * time.Second
	}

	u, err := url.Parse(c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	c.url = u.String()
	return c, nil
}

// NewFromURL is New with only an address.
func NewFromURL(address string) (*Client, error) {
	return New(&Config{Address: address})
}

// URL returns the WebSocket URL the client dials.
func (c *Client) URL() string {
	return c.url
}

// Connect dials the server and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		TLSClientConfig:  tlsConfig,
	}
	header := http.Header{}
	for k, v := range c.cfg.Headers {
		header.Set(k, v)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]chan *jsonrpc.Response)
	c.done = make(chan struct{})
	c.err = nil
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	if !strings.HasPrefix(c.url, "wss://") {
		return nil, nil
	}
	cfg := &tls.Config{
		InsecureSkipVerify: c.cfg.TLSInsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	if c.cfg.TLSCertFile != "" && c.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLSCertFile, c.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Close closes the connection. Pending calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Done is closed when the connection drops.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Err returns the error that ended the read loop.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var err error
	for {
		var resp jsonrpc.Response
		if err = conn.ReadJSON(&resp); err != nil {
			break
		}
		c.mu.Lock()
		ch, ok := c.pending[string(resp.ID)]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- &resp:
		default:
			// The caller stopped draining; it will see the close.
		}
	}

	c.mu.Lock()
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.conn = nil
	close(c.done)
	c.mu.Unlock()
	_ = conn.Close()
}

// stream sends a request and returns the channel its responses arrive on.
// release must be called once the caller is done with the id.
func (c *Client) stream(ctx context.Context, method string, params ...string) (<-chan *jsonrpc.Response, func(), error) {
	req, err := jsonrpc.NewRequest(c.nextID.Add(1), method, params...)
	if err != nil {
		return nil, nil, err
	}
	id := string(req.ID)
	ch := make(chan *jsonrpc.Response, 16)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	return ch, release, nil
}

func (c *Client) next(ctx context.Context, ch <-chan *jsonrpc.Response) (*jsonrpc.Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call sends a request and returns the result of the first response.
func (c *Client) Call(ctx context.Context, method string, params ...string) (json.RawMessage, error) {
	ch, release, err := c.stream(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	defer release()
	resp, err := c.next(ctx, ch)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) callInto(ctx context.Context, out any, method string, params ...string) error {
	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func encodeSigned(signed *directcall.Signed) (string, error) {
	data, err := signed.Encode()
	if err != nil {
		return "", err
	}
	return hexutil.Encode(data), nil
}

// SubmitRequest sends a signed direct call and waits for its final
// response, following Processing pushes for ceremony-backed calls. onUpdate,
// if set, sees every intermediate response.
func (c *Client) SubmitRequest(ctx context.Context, shard directcall.Shard, signed *directcall.Signed, onUpdate func(connection.ReturnValue)) (*connection.ReturnValue, error) {
	request, err := encodeSigned(signed)
	if err != nil {
		return nil, err
	}
	ch, release, err := c.stream(ctx, jsonrpc.MethodSubmitRequest, shard.String(), request)
	if err != nil {
		return nil, err
	}
	defer release()

	for {
		resp, err := c.next(ctx, ch)
		if err != nil {
			return nil, err
		}
		var value connection.ReturnValue
		if err := json.Unmarshal(resp.Result, &value); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if !value.DoWatch {
			return &value, nil
		}
		if onUpdate != nil {
			onUpdate(value)
		}
	}
}

// SubmitCeremonyRound delivers a signed round call to a peer enclave.
func (c *Client) SubmitCeremonyRound(ctx context.Context, shard directcall.Shard, signed *directcall.Signed) (*connection.ReturnValue, error) {
	request, err := encodeSigned(signed)
	if err != nil {
		return nil, err
	}
	var value connection.ReturnValue
	if err := c.callInto(ctx, &value, jsonrpc.MethodSubmitCeremonyRound, shard.String(), request); err != nil {
		return nil, err
	}
	return &value, nil
}

// AggregatedPublicKey returns the x-only MuSig2 key of the signer set.
func (c *Client) AggregatedPublicKey(ctx context.Context) ([]byte, error) {
	var key hexutil.Bytes
	if err := c.callInto(ctx, &key, jsonrpc.MethodAggregatedPublicKey); err != nil {
		return nil, err
	}
	return key, nil
}

// PublicKeys returns the enclave's public keys.
func (c *Client) PublicKeys(ctx context.Context) (*keyrepo.PublicKeys, error) {
	var keys keyrepo.PublicKeys
	if err := c.callInto(ctx, &keys, jsonrpc.MethodGetPublicKeys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func (c *Client) Shard(ctx context.Context) (directcall.Shard, error) {
	var s string
	if err := c.callInto(ctx, &s, jsonrpc.MethodGetShard); err != nil {
		return directcall.Shard{}, err
	}
	return directcall.ParseShard(s)
}

func (c *Client) Mrenclave(ctx context.Context) (directcall.Mrenclave, error) {
	var s string
	if err := c.callInto(ctx, &s, jsonrpc.MethodGetMrenclave); err != nil {
		return directcall.Mrenclave{}, err
	}
	return directcall.ParseMrenclave(s)
}

func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	var report health.Report
	if err := c.callInto(ctx, &report, jsonrpc.MethodHealth); err != nil {
		return nil, err
	}
	return &report, nil
}
