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

// Package connection correlates client connections with the request or
// ceremony whose result they wait for.
//
// The Registry maps a correlation hash to a live connection, its last
// response and a force-wait flag. The Responder pushes responses through it.
// Neither holds its lock across a network send: entries are withdrawn, the
// lock is released, then the connection is written.
package connection

import (
	"errors"
	"sync"

	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
)

var (
	// ErrInvalidConnectionHash is returned when no connection is registered
	// under a hash. It means the registry and the coordinator disagree.
	ErrInvalidConnectionHash = errors.New("connection: invalid connection hash")

	// ErrHashInUse is returned when storing under a hash that is already live.
	ErrHashInUse = errors.New("connection: hash already registered")
)

// Connection is the transport side of a registered hash. Send must not block
// on network I/O.
type Connection interface {
	Send(hash Hash, value ReturnValue) error
}

// Entry is what the registry holds per hash.
type Entry struct {
	Conn      Connection
	Response  ReturnValue
	ForceWait bool
}

// Registry is the hash to connection table. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[Hash]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Hash]Entry)}
}

// Store registers conn under hash. Callers withdraw before reusing a hash;
// storing over a live entry fails with ErrHashInUse.
func (r *Registry) Store(hash Hash, conn Connection, response ReturnValue, forceWait bool) error {
	r.mu.Lock()
	if _, ok := r.entries[hash]; ok {
		r.mu.Unlock()
		return ErrHashInUse
	}
	r.entries[hash] = Entry{Conn: conn, Response: response, ForceWait: forceWait}
	n := len(r.entries)
	r.mu.Unlock()

	metrics.SetWatchedConnections(n)
	return nil
}

// Withdraw removes and returns the entry under hash.
func (r *Registry) Withdraw(hash Hash) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[hash]
	if ok {
		delete(r.entries, hash)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		metrics.SetWatchedConnections(n)
	}
	return e, ok
}

// IsForceWait reports whether the connection under hash must stay open.
// Unknown hashes report false. The WebSocket transport keeps connections open
// through DoWatch and never consults this flag; it is carried for callers
// that poll.
func (r *Registry) IsForceWait(hash Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[hash].ForceWait
}

// Contains reports whether hash is registered.
func (r *Registry) Contains(hash Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[hash]
	return ok
}

// Swap atomically moves the entry under from to to.
func (r *Registry) Swap(from, to Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[from]
	if !ok {
		return ErrInvalidConnectionHash
	}
	if from == to {
		return nil
	}
	if _, taken := r.entries[to]; taken {
		return ErrHashInUse
	}
	delete(r.entries, from)
	r.entries[to] = e
	return nil
}

// WithdrawConnection drops every hash registered for conn and returns them.
// The transport calls it when a client disconnects.
func (r *Registry) WithdrawConnection(conn Connection) []Hash {
	r.mu.Lock()
	var dropped []Hash
	for h, e := range r.entries {
		if e.Conn == conn {
			delete(r.entries, h)
			dropped = append(dropped, h)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if len(dropped) > 0 {
		metrics.SetWatchedConnections(n)
	}
	return dropped
}

// Len returns the number of registered hashes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
