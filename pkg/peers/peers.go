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

// Package peers delivers ceremony round calls to the other registered
// enclaves.
//
// Each peer has a single-worker pool so calls reach it in the order they
// were broadcast: a partial signature must never overtake the nonce it
// depends on. Peer clients are cached by worker URL and closed on eviction.
package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/client"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
	"github.com/jeremyhahn/go-bitacross/pkg/registry"
)

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultCallTimeout     = 10 * time.Second
	DefaultClientCacheSize = 64
)

var (
	// ErrRejected is returned when a peer answers a round call with an
	// error status.
	ErrRejected = errors.New("peers: round call rejected")
	// ErrClosed is returned by Broadcast after Close.
	ErrClosed = errors.New("peers: broadcaster closed")
)

// Config configures peer delivery.
type Config struct {
	DialTimeout     time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	ClientCacheSize int           `yaml:"client_cache_size" mapstructure:"client_cache_size"`

	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	TLSCAFile             string `yaml:"tls_ca_file" mapstructure:"tls_ca_file"`
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ClientCacheSize <= 0 {
		c.ClientCacheSize = DefaultClientCacheSize
	}
}

// Broadcaster signs round calls with the enclave's identity and sends them
// to every registered enclave except itself. It implements
// ceremony.Broadcaster.
type Broadcaster struct {
	cfg       Config
	signer    identity.Signer
	self      identity.Address32
	mrenclave directcall.Mrenclave
	shard     directcall.Shard
	enclaves  registry.EnclaveLookup
	log       logger.Logger

	mu       sync.Mutex
	peers    *lru.Cache
	closed   bool
	stopping sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a Broadcaster. signer must be a substrate identity; its
// account is the one skipped when fanning out.
func New(cfg Config, signer identity.Signer, mrenclave directcall.Mrenclave, shard directcall.Shard, enclaves registry.EnclaveLookup, log logger.Logger) (*Broadcaster, error) {
	cfg.setDefaults()
	if log == nil {
		log = logger.Discard()
	}
	self, err := signer.Identity().Address32()
	if err != nil {
		return nil, fmt.Errorf("peer signer: %w", err)
	}

	b := &Broadcaster{
		cfg:       cfg,
		signer:    signer,
		self:      self,
		mrenclave: mrenclave,
		shard:     shard,
		enclaves:  enclaves,
		log:       log.With(logger.String("component", "peers")),
	}
	b.peers, err = lru.NewWithEvict(cfg.ClientCacheSize, func(_, value interface{}) {
		b.retire(value.(*peer))
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Broadcast sends call to every other enclave. It returns once the call is
// queued; delivery errors are logged and counted.
func (b *Broadcaster) Broadcast(call directcall.CeremonyRoundCall) {
	kind := call.Kind().String()
	if err := b.broadcast(call); err != nil {
		b.log.Warn("broadcast failed",
			logger.String("kind", kind),
			logger.Stringer("ceremony_id", call.CeremonyID()),
			logger.Error(err))
		metrics.RecordBroadcast(kind, err)
	}
}

func (b *Broadcaster) broadcast(call directcall.CeremonyRoundCall) error {
	signed, err := directcall.Sign(call, b.signer, b.mrenclave, b.shard)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		merr *multierror.Error
	)
	for _, e := range b.enclaves.GetAll() {
		if e.Account == b.self || e.WorkerURL == "" {
			continue
		}
		p := b.peer(e.WorkerURL)
		wg.Add(1)
		p.pool.Submit(func() {
			defer wg.Done()
			if err := p.deliver(signed); err != nil {
				emu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", p.url, err))
				emu.Unlock()
			}
		})
	}

	kind := call.Kind().String()
	id := call.CeremonyID()
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		wg.Wait()
		err := merr.ErrorOrNil()
		metrics.RecordBroadcast(kind, err)
		if err != nil {
			b.log.Warn("round call not delivered",
				logger.String("kind", kind),
				logger.Stringer("ceremony_id", id),
				logger.Error(err))
		}
	}()
	return nil
}

// peer returns the cached peer for url. Callers hold b.mu.
func (b *Broadcaster) peer(url string) *peer {
	if v, ok := b.peers.Get(url); ok {
		return v.(*peer)
	}
	p := &peer{
		url:   url,
		shard: b.shard,
		cfg:   b.cfg,
		pool:  workerpool.New(1),
	}
	b.peers.Add(url, p)
	return p
}

func (b *Broadcaster) retire(p *peer) {
	b.stopping.Add(1)
	go func() {
		defer b.stopping.Done()
		p.pool.StopWait()
		p.close()
	}()
}

// Flush waits until every queued round call has been attempted.
func (b *Broadcaster) Flush() {
	b.inflight.Wait()
}

// Peers returns the number of cached peer clients.
func (b *Broadcaster) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers.Len()
}

// Close drains pending deliveries and closes every peer client.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.peers.Purge()
	b.mu.Unlock()

	b.inflight.Wait()
	b.stopping.Wait()
	return nil
}

// peer is one remote enclave. client is only touched from the pool's
// single worker.
type peer struct {
	url    string
	shard  directcall.Shard
	cfg    Config
	pool   *workerpool.WorkerPool
	client *client.Client
}

func (p *peer) deliver(signed *directcall.Signed) error {
	c, err := p.connect()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
	defer cancel()
	value, err := c.SubmitCeremonyRound(ctx, p.shard, signed)
	if err != nil {
		p.close()
		return err
	}
	if value.Status.Kind == connection.KindError {
		return fmt.Errorf("%w: %s", ErrRejected, string(value.Value))
	}
	return nil
}

func (p *peer) connect() (*client.Client, error) {
	if p.client != nil {
		select {
		case <-p.client.Done():
			p.client = nil
		default:
			return p.client, nil
		}
	}

	c, err := client.New(&client.Config{
		Address:               p.url,
		TLSInsecureSkipVerify: p.cfg.TLSInsecureSkipVerify,
		TLSCAFile:             p.cfg.TLSCAFile,
		HandshakeTimeout:      p.cfg.DialTimeout,
		WriteTimeout:          p.cfg.CallTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

func (p *peer) close() {
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}
