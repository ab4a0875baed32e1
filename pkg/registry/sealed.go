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

package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/jeremyhahn/go-bitacross/pkg/storage"
)

var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("registry: cbor encoder: %v", err))
	}
	return mode
}()

type entry[K comparable, V any] struct {
	Key   K `cbor:"1,keyasint"`
	Value V `cbor:"2,keyasint"`
}

// sealedMap is a mutex-guarded map whose full contents are re-sealed to the
// storage backend on every mutation. A failed seal leaves memory unchanged.
type sealedMap[K comparable, V any] struct {
	mu      sync.RWMutex
	store   storage.Backend
	key     string
	entries map[K]V
}

func openSealedMap[K comparable, V any](store storage.Backend, key string) (*sealedMap[K, V], error) {
	m := &sealedMap[K, V]{
		store:   store,
		key:     key,
		entries: make(map[K]V),
	}

	data, err := store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}

	var snapshot []entry[K, V]
	if err := cbor.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	for _, e := range snapshot {
		m.entries[e.Key] = e.Value
	}
	return m, nil
}

func (m *sealedMap[K, V]) get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[k]
	return v, ok
}

func (m *sealedMap[K, V]) contains(k K) bool {
	_, ok := m.get(k)
	return ok
}

func (m *sealedMap[K, V]) all() []entry[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]entry[K, V], 0, len(m.entries))
	for k, v := range m.entries {
		out = append(out, entry[K, V]{Key: k, Value: v})
	}
	return out
}

func (m *sealedMap[K, V]) update(k K, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.entries[k]
	m.entries[k] = v
	if err := m.seal(); err != nil {
		if existed {
			m.entries[k] = prev
		} else {
			delete(m.entries, k)
		}
		return err
	}
	return nil
}

func (m *sealedMap[K, V]) remove(k K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.entries[k]
	if !existed {
		return ErrNotFound
	}
	delete(m.entries, k)
	if err := m.seal(); err != nil {
		m.entries[k] = prev
		return err
	}
	return nil
}

// seal must be called with mu held.
func (m *sealedMap[K, V]) seal() error {
	snapshot := make([]entry[K, V], 0, len(m.entries))
	for k, v := range m.entries {
		snapshot = append(snapshot, entry[K, V]{Key: k, Value: v})
	}
	data, err := encMode.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSeal, err)
	}
	if err := m.store.Put(m.key, data); err != nil {
		return fmt.Errorf("%w: %v", ErrSeal, err)
	}
	return nil
}
