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

package file

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-bitacross/pkg/storage"
)

func TestNew_EmptyRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("registry/relayers", []byte("sealed")))

	got, err := s.Get("registry/relayers")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got)

	exists, err := s.Exists("registry/relayers")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete("registry/relayers"))
	_, err = s.Get("registry/relayers")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Delete("registry/relayers"), storage.ErrNotFound)
}

func TestPut_OverwriteLeavesNoTempFile(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	require.NoError(t, s.Put("keys/bitcoin", []byte("one")))
	require.NoError(t, s.Put("keys/bitcoin", []byte("two")))

	got, err := s.Get("keys/bitcoin")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	_, err = os.Stat(filepath.Join(root, "keys", "bitcoin.tmp"))
	assert.True(t, os.IsNotExist(err))

	info, err := os.Stat(filepath.Join(root, "keys", "bitcoin"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())
}

func TestList_SortedWithPrefix(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, k := range []string{"registry/signers", "keys/ton", "registry/enclaves", "keys/bitcoin"} {
		require.NoError(t, s.Put(k, []byte(k)))
	}

	keys, err := s.List("registry/")
	require.NoError(t, err)
	assert.Equal(t, []string{"registry/enclaves", "registry/signers"}, keys)

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPath_RejectsTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/../../escape", "/etc/passwd", "bad\x00key"} {
		err := s.Put(key, []byte("x"))
		assert.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", key)
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	root := t.TempDir()
	first, err := New(root)
	require.NoError(t, err)
	require.NoError(t, first.Put("keys/signing", []byte("seed")))
	require.NoError(t, first.Close())

	second, err := New(root)
	require.NoError(t, err)
	got, err := second.Get("keys/signing")
	require.NoError(t, err)
	assert.Equal(t, []byte("seed"), got)
}

func TestClosed(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Put("k", nil), storage.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := filepath.ToSlash(filepath.Join("concurrent", string(rune('a'+i))))
			assert.NoError(t, s.Put(key, []byte{byte(i)}))
			_, err := s.Get(key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	keys, err := s.List("concurrent/")
	require.NoError(t, err)
	assert.Len(t, keys, 16)
}
