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

package mocks

import (
	"sync"

	"github.com/jeremyhahn/go-bitacross/pkg/storage"
)

// MockBackend is an in-memory storage.Backend whose operations can be
// overridden per test.
type MockBackend struct {
	mu sync.Mutex

	inner *storage.MemoryBackend

	// Configurable behavior
	GetFunc    func(key string) ([]byte, error)
	PutFunc    func(key string, value []byte) error
	DeleteFunc func(key string) error

	// Call tracking
	GetCalls    []string
	PutCalls    []string
	DeleteCalls []string
}

// NewMockBackend creates a MockBackend that behaves like the memory backend
// until a Func field is set.
func NewMockBackend() *MockBackend {
	return &MockBackend{inner: storage.NewMemory()}
}

func (m *MockBackend) Get(key string) ([]byte, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, key)
	fn := m.GetFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(key)
	}
	return m.inner.Get(key)
}

func (m *MockBackend) Put(key string, value []byte) error {
	m.mu.Lock()
	m.PutCalls = append(m.PutCalls, key)
	fn := m.PutFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(key, value)
	}
	return m.inner.Put(key, value)
}

func (m *MockBackend) Delete(key string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, key)
	fn := m.DeleteFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(key)
	}
	return m.inner.Delete(key)
}

func (m *MockBackend) List(prefix string) ([]string, error) {
	return m.inner.List(prefix)
}

func (m *MockBackend) Exists(key string) (bool, error) {
	return m.inner.Exists(key)
}

func (m *MockBackend) Close() error {
	return m.inner.Close()
}
