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

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigners(t *testing.T) []Signer {
	t.Helper()

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	evmKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	btcKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return []Signer{
		NewEd25519Signer(edKey),
		NewEvmSigner(evmKey),
		NewBitcoinSigner(btcKey),
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	payload := []byte("bitacross payload")

	for _, signer := range newSigners(t) {
		id := signer.Identity()
		t.Run(id.Type.String(), func(t *testing.T) {
			require.NoError(t, id.Validate())

			sig, err := signer.Sign(payload)
			require.NoError(t, err)

			assert.True(t, Verify(id, payload, sig))
			assert.False(t, Verify(id, []byte("other payload"), sig))

			tampered := append([]byte(nil), sig...)
			tampered[0] ^= 0xff
			assert.False(t, Verify(id, payload, tampered))
		})
	}
}

func TestVerify_WrongIdentity(t *testing.T) {
	signers := newSigners(t)
	others := newSigners(t)
	payload := []byte("payload")

	for i, signer := range signers {
		sig, err := signer.Sign(payload)
		require.NoError(t, err)
		assert.False(t, Verify(others[i].Identity(), payload, sig),
			"%s signature must not verify for another key", signer.Identity().Type)
	}
}

func TestVerify_EvmLegacyRecoveryID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewEvmSigner(key)
	payload := []byte("legacy v")

	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	assert.True(t, Verify(signer.Identity(), payload, sig))
}

func TestVerify_MalformedInput(t *testing.T) {
	assert.False(t, Verify(Identity{}, []byte("x"), make([]byte, 64)))
	assert.False(t, Verify(Identity{Type: TypeSubstrate, Key: make([]byte, 31)}, []byte("x"), make([]byte, 64)))
	assert.False(t, Verify(Identity{Type: TypeEvm, Key: make([]byte, 20)}, []byte("x"), make([]byte, 10)))
	assert.False(t, Verify(Identity{Type: TypeBitcoin, Key: make([]byte, 33)}, []byte("x"), nil))
}

func TestIdentity_StringParse(t *testing.T) {
	for _, signer := range newSigners(t) {
		id := signer.Identity()
		parsed, err := Parse(id.String())
		require.NoError(t, err)
		assert.True(t, parsed.Equal(id))
	}

	_, err := Parse("substrate")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = Parse("ripple:0x00")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = Parse("evm:0x0011")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestIdentity_Address32(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id := Substrate(pub)
	addr, err := id.Address32()
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), addr[:])
	assert.True(t, FromAddress32(addr).Equal(id))

	parsed, err := ParseAddress32(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)

	evmKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = Evm(crypto.PubkeyToAddress(evmKey.PublicKey)).Address32()
	assert.ErrorIs(t, err, ErrNotAddress32)

	_, err = ParseAddress32("0x1234")
	assert.Error(t, err)
}
