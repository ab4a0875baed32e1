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

// Package mocks provides key repositories for handler tests.
package mocks

import (
	"sync/atomic"
)

// MockRepository returns Key (or Err) and counts calls.
type MockRepository[K any] struct {
	Key K
	Err error

	calls atomic.Int64
}

func (m *MockRepository[K]) RetrieveKey() (K, error) {
	m.calls.Add(1)
	if m.Err != nil {
		var zero K
		return zero, m.Err
	}
	return m.Key, nil
}

// Calls returns the number of RetrieveKey calls.
func (m *MockRepository[K]) Calls() int {
	return int(m.calls.Load())
}

// PanicRepository fails the test process if any code path reaches for key
// material.
type PanicRepository[K any] struct{}

func (PanicRepository[K]) RetrieveKey() (K, error) {
	panic("key repository must not be accessed")
}
