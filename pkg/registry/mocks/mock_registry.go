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

// Package mocks provides registry lookups with configurable behavior and
// call tracking.
package mocks

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/registry"
)

// MockRelayers is a registry.RelayerLookup over a fixed set.
type MockRelayers struct {
	mu       sync.Mutex
	relayers []identity.Identity

	ContainsKeyFunc  func(id identity.Identity) bool
	ContainsKeyCalls int
}

func NewMockRelayers(relayers ...identity.Identity) *MockRelayers {
	return &MockRelayers{relayers: relayers}
}

func (m *MockRelayers) ContainsKey(id identity.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainsKeyCalls++
	if m.ContainsKeyFunc != nil {
		return m.ContainsKeyFunc(id)
	}
	for _, r := range m.relayers {
		if r.Equal(id) {
			return true
		}
	}
	return false
}

// MockEnclaves is a registry.EnclaveLookup over a fixed map.
type MockEnclaves struct {
	mu       sync.Mutex
	enclaves map[identity.Address32]string

	ContainsKeyCalls int
}

func NewMockEnclaves() *MockEnclaves {
	return &MockEnclaves{enclaves: make(map[identity.Address32]string)}
}

// Add registers an enclave.
func (m *MockEnclaves) Add(account identity.Address32, workerURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enclaves[account] = workerURL
}

func (m *MockEnclaves) ContainsKey(account identity.Address32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainsKeyCalls++
	_, ok := m.enclaves[account]
	return ok
}

func (m *MockEnclaves) WorkerURL(account identity.Address32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url, ok := m.enclaves[account]
	return url, ok
}

func (m *MockEnclaves) GetAll() []registry.Enclave {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Enclave, 0, len(m.enclaves))
	for a, url := range m.enclaves {
		out = append(out, registry.Enclave{Account: a, WorkerURL: url})
	}
	return out
}

// MockSigners is a registry.SignerLookup over a fixed map.
type MockSigners struct {
	mu      sync.Mutex
	signers map[identity.Address32]*btcec.PublicKey
}

func NewMockSigners() *MockSigners {
	return &MockSigners{signers: make(map[identity.Address32]*btcec.PublicKey)}
}

// Add registers a MuSig2 key.
func (m *MockSigners) Add(account identity.Address32, pub *btcec.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signers[account] = pub
}

func (m *MockSigners) ContainsKey(account identity.Address32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.signers[account]
	return ok
}

func (m *MockSigners) PublicKey(account identity.Address32) (*btcec.PublicKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.signers[account]
	return pub, ok
}

func (m *MockSigners) GetAll() []registry.Signer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Signer, 0, len(m.signers))
	for a, pub := range m.signers {
		out = append(out, registry.Signer{Account: a, PublicKey: pub})
	}
	return out
}
