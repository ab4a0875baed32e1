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

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_PutGet(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	value := []byte("value")
	require.NoError(t, backend.Put("key", value))

	// Stored values are copies
	value[0] = 'X'
	got, err := backend.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	got[0] = 'Y'
	again, err := backend.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func TestMemoryBackend_NotFound(t *testing.T) {
	backend := NewMemory()

	_, err := backend.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, backend.Delete("missing"), ErrNotFound)

	exists, err := backend.Exists("missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryBackend_InvalidKey(t *testing.T) {
	assert.ErrorIs(t, NewMemory().Put("", []byte("x")), ErrInvalidKey)
}

func TestMemoryBackend_ListSorted(t *testing.T) {
	backend := NewMemory()
	require.NoError(t, backend.Put("b/2", nil))
	require.NoError(t, backend.Put("a/1", nil))
	require.NoError(t, backend.Put("b/1", nil))

	keys, err := backend.List("b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1", "b/2"}, keys)
}

func TestMemoryBackend_Closed(t *testing.T) {
	backend := NewMemory()
	require.NoError(t, backend.Close())

	_, err := backend.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, backend.Put("k", nil), ErrClosed)
	_, err = backend.List("")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNamespace(t *testing.T) {
	backend := NewMemory()
	keys := WithNamespace(backend, "keys")
	registry := WithNamespace(backend, "registry")

	require.NoError(t, keys.Put("bitcoin", []byte("k")))
	require.NoError(t, registry.Put("relayers", []byte("r")))

	got, err := backend.Get("keys/bitcoin")
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), got)

	listed, err := keys.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"bitcoin"}, listed)

	exists, err := registry.Exists("bitcoin")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, keys.Delete("bitcoin"))
	_, err = keys.Get("bitcoin")
	assert.ErrorIs(t, err, ErrNotFound)
}
