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

// Package storage provides the key-value persistence used for sealed enclave
// state: registry snapshots and signing keys. It ships an in-memory backend for
// tests and ephemeral nodes; package file provides the on-disk backend.
package storage

// Backend defines the interface for storage backends.
// All implementations must be thread-safe.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores the value for the given key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes the key and its value from storage.
	// Returns ErrNotFound if the key does not exist.
	Delete(key string) error

	// List returns all keys with the given prefix in sorted order.
	// If prefix is empty, all keys are returned.
	List(prefix string) ([]string, error)

	// Exists checks if a key exists in storage.
	Exists(key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Namespace prefixes all keys of a backend so several components can share it.
type Namespace struct {
	backend Backend
	prefix  string
}

// WithNamespace returns a view of backend whose keys live under "<prefix>/".
func WithNamespace(backend Backend, prefix string) *Namespace {
	return &Namespace{backend: backend, prefix: prefix + "/"}
}

func (n *Namespace) Get(key string) ([]byte, error) {
	return n.backend.Get(n.prefix + key)
}

func (n *Namespace) Put(key string, value []byte) error {
	return n.backend.Put(n.prefix+key, value)
}

func (n *Namespace) Delete(key string) error {
	return n.backend.Delete(n.prefix + key)
}

func (n *Namespace) List(prefix string) ([]string, error) {
	keys, err := n.backend.List(n.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = k[len(n.prefix):]
	}
	return keys, nil
}

func (n *Namespace) Exists(key string) (bool, error) {
	return n.backend.Exists(n.prefix + key)
}

// Close is a no-op; the owner of the underlying backend closes it.
func (n *Namespace) Close() error {
	return nil
}
