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

// Package identity models the cryptographic identities that sign requests to the
// enclave: relayers (Substrate, EVM or Bitcoin keys) and peer enclaves (Substrate
// ed25519 accounts). An Identity is immutable once constructed and doubles as the
// lookup key for the relayer and enclave registries.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidIdentity is returned when an identity has an unknown type or a
	// key of the wrong length.
	ErrInvalidIdentity = errors.New("identity: invalid identity")

	// ErrNotAddress32 is returned when an identity cannot be represented as a
	// 32-byte account address.
	ErrNotAddress32 = errors.New("identity: not a 32-byte account")
)

// Type identifies the curve and address scheme of an Identity.
type Type uint8

const (
	// TypeSubstrate is an ed25519 public key (32 bytes).
	TypeSubstrate Type = iota + 1
	// TypeEvm is an Ethereum address (20 bytes) verified with recoverable secp256k1.
	TypeEvm
	// TypeBitcoin is a compressed secp256k1 public key (33 bytes).
	TypeBitcoin
)

// String returns the lower-case name of the identity type.
func (t Type) String() string {
	switch t {
	case TypeSubstrate:
		return "substrate"
	case TypeEvm:
		return "evm"
	case TypeBitcoin:
		return "bitcoin"
	default:
		return "unknown"
	}
}

func (t Type) keyLen() int {
	switch t {
	case TypeSubstrate:
		return ed25519.PublicKeySize
	case TypeEvm:
		return common.AddressLength
	case TypeBitcoin:
		return btcec.PubKeyBytesLenCompressed
	default:
		return -1
	}
}

func parseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "substrate":
		return TypeSubstrate, nil
	case "evm":
		return TypeEvm, nil
	case "bitcoin":
		return TypeBitcoin, nil
	default:
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidIdentity, s)
	}
}

// Address32 is a 32-byte account id, the key type of the enclave and signer registries.
type Address32 [32]byte

// String returns the 0x-prefixed hex form of the address.
func (a Address32) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// ParseAddress32 decodes a hex address with or without the 0x prefix.
func ParseAddress32(s string) (Address32, error) {
	var a Address32
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, fmt.Errorf("identity: invalid address hex: %w", err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("identity: address must be %d bytes, got %d", len(a), len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// Identity is a tagged public identity. The zero value is invalid.
type Identity struct {
	Type Type   `cbor:"1,keyasint"`
	Key  []byte `cbor:"2,keyasint"`
}

// Substrate returns the identity of an ed25519 account.
func Substrate(pub ed25519.PublicKey) Identity {
	return Identity{Type: TypeSubstrate, Key: bytes.Clone(pub)}
}

// Evm returns the identity of an Ethereum account.
func Evm(addr common.Address) Identity {
	return Identity{Type: TypeEvm, Key: bytes.Clone(addr.Bytes())}
}

// Bitcoin returns the identity of a secp256k1 key in compressed form.
func Bitcoin(pub *btcec.PublicKey) Identity {
	return Identity{Type: TypeBitcoin, Key: pub.SerializeCompressed()}
}

// FromAddress32 returns the Substrate identity for a registry account.
func FromAddress32(a Address32) Identity {
	return Identity{Type: TypeSubstrate, Key: bytes.Clone(a[:])}
}

// Validate checks the type tag and key length.
func (id Identity) Validate() error {
	want := id.Type.keyLen()
	if want < 0 {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidIdentity, id.Type)
	}
	if len(id.Key) != want {
		return fmt.Errorf("%w: %s key must be %d bytes, got %d",
			ErrInvalidIdentity, id.Type, want, len(id.Key))
	}
	return nil
}

// Equal reports whether two identities have the same type and key.
func (id Identity) Equal(other Identity) bool {
	return id.Type == other.Type && bytes.Equal(id.Key, other.Key)
}

// Address32 returns the account address of a Substrate identity.
func (id Identity) Address32() (Address32, error) {
	var a Address32
	if id.Type != TypeSubstrate || len(id.Key) != len(a) {
		return a, ErrNotAddress32
	}
	copy(a[:], id.Key)
	return a, nil
}

// String renders the identity as "<type>:0x<hex key>". Parse reverses it.
func (id Identity) String() string {
	return id.Type.String() + ":0x" + hex.EncodeToString(id.Key)
}

// Parse decodes the "<type>:0x<hex key>" form produced by String.
func Parse(s string) (Identity, error) {
	kind, key, ok := strings.Cut(s, ":")
	if !ok {
		return Identity{}, fmt.Errorf("%w: expected <type>:<hex>", ErrInvalidIdentity)
	}
	t, err := parseType(kind)
	if err != nil {
		return Identity{}, err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	id := Identity{Type: t, Key: raw}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
