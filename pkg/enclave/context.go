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

// Package enclave holds the process-wide enclave state and the serial
// processor that owns the ceremony coordinator.
//
// Context is built once at startup and passed to every component that
// dispatches work or pushes responses. Nothing in this package is global.
package enclave

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/ceremony"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/dispatch"
	"github.com/jeremyhahn/go-bitacross/pkg/handler"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
	"github.com/jeremyhahn/go-bitacross/pkg/registry"
)

const DefaultQueueSize = 256

// ErrUnknownShard is returned for requests addressed to another shard.
var ErrUnknownShard = errors.New("enclave: unknown shard")

// Keys are the repositories the enclave signs with.
type Keys struct {
	Bitcoin  keyrepo.Repository[*btcec.PrivateKey]
	Ethereum keyrepo.Repository[*ecdsa.PrivateKey]
	Ton      keyrepo.Repository[ed25519.PrivateKey]
}

// KeysFromStore exposes a key store as Keys.
func KeysFromStore(s *keyrepo.Store) Keys {
	return Keys{Bitcoin: s.Bitcoin(), Ethereum: s.Ethereum(), Ton: s.Ton()}
}

// Config is everything NewContext needs.
type Config struct {
	Mrenclave directcall.Mrenclave
	Shard     directcall.Shard
	// Identity is the enclave's Substrate account, used as the signer of
	// round calls it broadcasts.
	Identity  identity.Identity
	QueueSize int
	Ceremony  ceremony.Config

	Relayers registry.RelayerLookup
	Enclaves registry.EnclaveLookup
	Signers  registry.SignerLookup
	Keys     Keys

	// Broadcaster fans round calls out to peer enclaves. Nil keeps the
	// enclave isolated.
	Broadcaster ceremony.Broadcaster
	Logger      logger.Logger
	Options     []ceremony.Option
}

// Task is one request handed to the processor.
type Task struct {
	// Request is an encoded directcall.Signed.
	Request []byte
	Shard   directcall.Shard
	// Round selects the ceremony round call family; otherwise the request
	// must be a direct call.
	Round bool
	// Hash is the provisional hash the client connection is registered
	// under. Zero for requests nobody watches.
	Hash connection.Hash
}

// Context is the explicit replacement for the enclave's global components.
type Context struct {
	Mrenclave   directcall.Mrenclave
	Shard       directcall.Shard
	Identity    identity.Identity
	Dispatcher  *dispatch.Dispatcher[Task]
	Registry    *connection.Registry
	Responder   *connection.Responder
	Coordinator *ceremony.Coordinator

	Relayers registry.RelayerLookup
	Enclaves registry.EnclaveLookup
	Signers  registry.SignerLookup
	Keys     Keys

	log logger.Logger
}

// NewContext wires the dispatcher, connection registry, responder and
// coordinator together.
func NewContext(cfg Config) (*Context, error) {
	if cfg.Relayers == nil || cfg.Enclaves == nil || cfg.Signers == nil {
		return nil, fmt.Errorf("enclave: registries are required")
	}
	if cfg.Keys.Bitcoin == nil || cfg.Keys.Ethereum == nil || cfg.Keys.Ton == nil {
		return nil, fmt.Errorf("enclave: key repositories are required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	reg := connection.NewRegistry()
	responder := connection.NewResponder(reg, log)
	coord, err := ceremony.New(cfg.Ceremony, cfg.Identity, cfg.Keys.Bitcoin, cfg.Signers,
		responder, cfg.Broadcaster, log, cfg.Options...)
	if err != nil {
		return nil, err
	}

	return &Context{
		Mrenclave:   cfg.Mrenclave,
		Shard:       cfg.Shard,
		Identity:    cfg.Identity,
		Dispatcher:  dispatch.New[Task](cfg.QueueSize),
		Registry:    reg,
		Responder:   responder,
		Coordinator: coord,
		Relayers:    cfg.Relayers,
		Enclaves:    cfg.Enclaves,
		Signers:     cfg.Signers,
		Keys:        cfg.Keys,
		log:         log.With(logger.String("component", "enclave")),
	}, nil
}

// Submit queues a task for the processor. A nil Context reports
// ErrComponentNotInitialized like an unbuilt dispatcher.
func (c *Context) Submit(ctx context.Context, task Task) (*dispatch.Pending, error) {
	if c == nil {
		return nil, dispatch.ErrComponentNotInitialized
	}
	return c.Dispatcher.Send(ctx, task)
}

// Dependencies returns the handler collaborators.
func (c *Context) Dependencies() handler.Dependencies {
	return handler.Dependencies{
		Relayers:    c.Relayers,
		Enclaves:    c.Enclaves,
		EthereumKey: c.Keys.Ethereum,
		TonKey:      c.Keys.Ton,
	}
}

// AggregatedPublicKey returns the x-only MuSig2 key of the current signer
// set, including this enclave. It is the key a Derived ceremony signs for.
func (c *Context) AggregatedPublicKey() ([]byte, error) {
	own, err := c.Keys.Bitcoin.RetrieveKey()
	if err != nil {
		return nil, err
	}
	self, err := c.Identity.Address32()
	if err != nil {
		return nil, err
	}
	keys := []*btcec.PublicKey{own.PubKey()}
	for _, s := range c.Signers.GetAll() {
		if s.Account == self || s.PublicKey == nil {
			continue
		}
		keys = append(keys, s.PublicKey)
	}
	agg, err := ceremony.AggregatedKey(keys)
	if err != nil {
		return nil, err
	}
	return schnorr.SerializePubKey(agg), nil
}
