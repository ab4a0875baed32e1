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

// Package keyrepo yields the enclave's private key material. Handlers depend on
// the narrow Repository interface; Store is the storage-backed implementation
// that loads keys at startup and generates any that are missing.
package keyrepo

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jeremyhahn/go-bitacross/pkg/storage"
)

const (
	BitcoinKeyName  = "bitcoin"
	EthereumKeyName = "ethereum"
	TonKeyName      = "ton"
	SigningKeyName  = "signing"

	namespace = "keys"
	seedSize  = 32
)

var (
	// ErrKeyUnavailable is returned when a repository holds no key.
	ErrKeyUnavailable = errors.New("keyrepo: key unavailable")

	// ErrCorruptKey is returned when a stored key cannot be decoded.
	ErrCorruptKey = errors.New("keyrepo: corrupt key material")
)

// Repository yields a key of type K.
type Repository[K any] interface {
	RetrieveKey() (K, error)
}

// RepositoryFunc adapts a function to Repository.
type RepositoryFunc[K any] func() (K, error)

func (f RepositoryFunc[K]) RetrieveKey() (K, error) {
	return f()
}

// static is a Repository over a key that is already loaded.
type static[K comparable] struct {
	key K
}

func (s static[K]) RetrieveKey() (K, error) {
	var zero K
	if s.key == zero {
		return zero, ErrKeyUnavailable
	}
	return s.key, nil
}

// PublicKeys are the public halves of the keys a Store holds.
type PublicKeys struct {
	Bitcoin  hexutil.Bytes `json:"bitcoin"`
	Ethereum hexutil.Bytes `json:"ethereum"`
	Ton      hexutil.Bytes `json:"ton"`
	Signing  hexutil.Bytes `json:"signing"`
}

// Store holds the enclave's four keys:
//
//   - bitcoin: secp256k1, the MuSig2 participant key
//   - ethereum: secp256k1, single-signer Ethereum path
//   - ton: ed25519, single-signer TON path
//   - signing: ed25519, the enclave identity used for peer round calls
type Store struct {
	bitcoin  *btcec.PrivateKey
	ethereum *ecdsa.PrivateKey
	ton      ed25519.PrivateKey
	signing  ed25519.PrivateKey
}

// Open loads the keys from backend, generating and persisting any that are
// missing. Keys are stored as raw 32-byte secrets under "keys/<name>".
func Open(backend storage.Backend) (*Store, error) {
	ns := storage.WithNamespace(backend, namespace)

	btcSecret, err := loadOrGenerate(ns, BitcoinKeyName)
	if err != nil {
		return nil, err
	}
	ethSecret, err := loadOrGenerate(ns, EthereumKeyName)
	if err != nil {
		return nil, err
	}
	tonSeed, err := loadOrGenerate(ns, TonKeyName)
	if err != nil {
		return nil, err
	}
	signingSeed, err := loadOrGenerate(ns, SigningKeyName)
	if err != nil {
		return nil, err
	}

	btcKey, _ := btcec.PrivKeyFromBytes(btcSecret)
	ethKey, err := crypto.ToECDSA(ethSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptKey, EthereumKeyName, err)
	}

	return &Store{
		bitcoin:  btcKey,
		ethereum: ethKey,
		ton:      ed25519.NewKeyFromSeed(tonSeed),
		signing:  ed25519.NewKeyFromSeed(signingSeed),
	}, nil
}

// NewStore builds a Store from keys already in memory. Nil keys make the
// matching repository return ErrKeyUnavailable.
func NewStore(bitcoin *btcec.PrivateKey, ethereum *ecdsa.PrivateKey, ton, signing ed25519.PrivateKey) *Store {
	return &Store{bitcoin: bitcoin, ethereum: ethereum, ton: ton, signing: signing}
}

// Generate returns a Store with fresh random keys that are not persisted.
func Generate() (*Store, error) {
	btcKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate bitcoin key: %w", err)
	}
	ethKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ethereum key: %w", err)
	}
	_, tonKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ton key: %w", err)
	}
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewStore(btcKey, ethKey, tonKey, signingKey), nil
}

func loadOrGenerate(ns storage.Backend, name string) ([]byte, error) {
	secret, err := ns.Get(name)
	switch {
	case err == nil:
		if len(secret) != seedSize {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrCorruptKey, name, len(secret))
		}
		return secret, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load %s key: %w", name, err)
	}

	secret = make([]byte, seedSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", name, err)
	}
	if err := ns.Put(name, secret); err != nil {
		return nil, fmt.Errorf("failed to persist %s key: %w", name, err)
	}
	return secret, nil
}

func (s *Store) Bitcoin() Repository[*btcec.PrivateKey] {
	return static[*btcec.PrivateKey]{key: s.bitcoin}
}

func (s *Store) Ethereum() Repository[*ecdsa.PrivateKey] {
	return static[*ecdsa.PrivateKey]{key: s.ethereum}
}

func (s *Store) Ton() Repository[ed25519.PrivateKey] {
	return RepositoryFunc[ed25519.PrivateKey](func() (ed25519.PrivateKey, error) {
		if len(s.ton) != ed25519.PrivateKeySize {
			return nil, ErrKeyUnavailable
		}
		return s.ton, nil
	})
}

func (s *Store) Signing() Repository[ed25519.PrivateKey] {
	return RepositoryFunc[ed25519.PrivateKey](func() (ed25519.PrivateKey, error) {
		if len(s.signing) != ed25519.PrivateKeySize {
			return nil, ErrKeyUnavailable
		}
		return s.signing, nil
	})
}

// PublicKeys returns the public halves of the held keys. Missing keys are nil.
func (s *Store) PublicKeys() PublicKeys {
	var out PublicKeys
	if s.bitcoin != nil {
		out.Bitcoin = s.bitcoin.PubKey().SerializeCompressed()
	}
	if s.ethereum != nil {
		out.Ethereum = crypto.CompressPubkey(&s.ethereum.PublicKey)
	}
	if len(s.ton) == ed25519.PrivateKeySize {
		out.Ton = hexutil.Bytes(s.ton.Public().(ed25519.PublicKey))
	}
	if len(s.signing) == ed25519.PrivateKeySize {
		out.Signing = hexutil.Bytes(s.signing.Public().(ed25519.PublicKey))
	}
	return out
}
