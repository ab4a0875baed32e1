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
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces signatures that Verify accepts for its Identity.
type Signer interface {
	Identity() Identity
	Sign(payload []byte) ([]byte, error)
}

// Verify checks sig over payload against id. Any malformed input yields false.
//
//   - Substrate: ed25519 over the payload.
//   - Evm: 65-byte recoverable secp256k1 over keccak256(payload); the recovered
//     address must match. V may be 0/1 or 27/28.
//   - Bitcoin: 65-byte compact secp256k1 over sha256(payload); the recovered
//     compressed key must match.
func Verify(id Identity, payload, sig []byte) bool {
	if id.Validate() != nil {
		return false
	}
	switch id.Type {
	case TypeSubstrate:
		if len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(id.Key), payload, sig)

	case TypeEvm:
		if len(sig) != crypto.SignatureLength {
			return false
		}
		normalized := bytes.Clone(sig)
		if normalized[crypto.RecoveryIDOffset] >= 27 {
			normalized[crypto.RecoveryIDOffset] -= 27
		}
		pub, err := crypto.SigToPub(crypto.Keccak256(payload), normalized)
		if err != nil {
			return false
		}
		return bytes.Equal(crypto.PubkeyToAddress(*pub).Bytes(), id.Key)

	case TypeBitcoin:
		digest := sha256.Sum256(payload)
		pub, _, err := btcecdsa.RecoverCompact(sig, digest[:])
		if err != nil {
			return false
		}
		return bytes.Equal(pub.SerializeCompressed(), id.Key)
	}
	return false
}

// Ed25519Signer signs as a Substrate identity.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps an ed25519 private key.
func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

func (s *Ed25519Signer) Identity() Identity {
	return Substrate(s.key.Public().(ed25519.PublicKey))
}

func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.key, payload), nil
}

// EvmSigner signs as an Ethereum account.
type EvmSigner struct {
	key *ecdsa.PrivateKey
}

// NewEvmSigner wraps a secp256k1 private key.
func NewEvmSigner(key *ecdsa.PrivateKey) *EvmSigner {
	return &EvmSigner{key: key}
}

func (s *EvmSigner) Identity() Identity {
	return Evm(crypto.PubkeyToAddress(s.key.PublicKey))
}

func (s *EvmSigner) Sign(payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(payload), s.key)
	if err != nil {
		return nil, fmt.Errorf("identity: evm sign: %w", err)
	}
	return sig, nil
}

// BitcoinSigner signs as a Bitcoin key.
type BitcoinSigner struct {
	key *btcec.PrivateKey
}

// NewBitcoinSigner wraps a secp256k1 private key.
func NewBitcoinSigner(key *btcec.PrivateKey) *BitcoinSigner {
	return &BitcoinSigner{key: key}
}

func (s *BitcoinSigner) Identity() Identity {
	return Bitcoin(s.key.PubKey())
}

func (s *BitcoinSigner) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return btcecdsa.SignCompact(s.key, digest[:], true), nil
}
