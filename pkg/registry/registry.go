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

// Package registry holds the chain-synchronized membership sets the enclave
// authorizes against:
//
//   - relayers: identities allowed to submit single-shot signing calls
//   - enclaves: peer enclave accounts and their worker URLs
//   - signers: peer enclave accounts and their MuSig2 public keys
//
// Lookups are read-only and safe for concurrent use. Updates come from the
// parentchain event handler (or the CLI) and are sealed to storage so the sets
// survive restarts.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/storage"
)

const (
	relayersKey = "registry/relayers"
	enclavesKey = "registry/enclaves"
	signersKey  = "registry/signers"
)

var (
	// ErrNotFound is returned when removing an entry that is not registered.
	ErrNotFound = errors.New("registry: not found")

	// ErrSeal is returned when the registry snapshot cannot be persisted.
	ErrSeal = errors.New("registry: seal failed")

	// ErrUnseal is returned when a persisted snapshot cannot be loaded.
	ErrUnseal = errors.New("registry: unseal failed")
)

// RelayerLookup answers "is this identity a registered relayer".
type RelayerLookup interface {
	ContainsKey(id identity.Identity) bool
}

// EnclaveLookup answers "is this account a registered enclave" and where to reach it.
type EnclaveLookup interface {
	ContainsKey(account identity.Address32) bool
	WorkerURL(account identity.Address32) (string, bool)
	GetAll() []Enclave
}

// SignerLookup resolves enclave accounts to their MuSig2 public keys.
type SignerLookup interface {
	ContainsKey(account identity.Address32) bool
	PublicKey(account identity.Address32) (*btcec.PublicKey, bool)
	GetAll() []Signer
}

// Enclave is a registered peer enclave.
type Enclave struct {
	Account   identity.Address32
	WorkerURL string
}

// Signer is a registered MuSig2 participant.
type Signer struct {
	Account   identity.Address32
	PublicKey *btcec.PublicKey
}

// RelayerRegistry is the set of identities allowed to request signatures.
type RelayerRegistry struct {
	m *sealedMap[string, identity.Identity]
}

// NewRelayerRegistry unseals the relayer set from store.
func NewRelayerRegistry(store storage.Backend) (*RelayerRegistry, error) {
	m, err := openSealedMap[string, identity.Identity](store, relayersKey)
	if err != nil {
		return nil, err
	}
	return &RelayerRegistry{m: m}, nil
}

func (r *RelayerRegistry) ContainsKey(id identity.Identity) bool {
	return r.m.contains(id.String())
}

// Update registers id. Registering an existing relayer is a no-op.
func (r *RelayerRegistry) Update(id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	return r.m.update(id.String(), id)
}

// Remove deregisters id.
func (r *RelayerRegistry) Remove(id identity.Identity) error {
	return r.m.remove(id.String())
}

// GetAll returns the relayers sorted by their string form.
func (r *RelayerRegistry) GetAll() []identity.Identity {
	entries := r.m.all()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	out := make([]identity.Identity, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// EnclaveRegistry maps enclave accounts to worker URLs.
type EnclaveRegistry struct {
	m *sealedMap[identity.Address32, string]
}

// NewEnclaveRegistry unseals the enclave set from store.
func NewEnclaveRegistry(store storage.Backend) (*EnclaveRegistry, error) {
	m, err := openSealedMap[identity.Address32, string](store, enclavesKey)
	if err != nil {
		return nil, err
	}
	return &EnclaveRegistry{m: m}, nil
}

func (r *EnclaveRegistry) ContainsKey(account identity.Address32) bool {
	return r.m.contains(account)
}

func (r *EnclaveRegistry) WorkerURL(account identity.Address32) (string, bool) {
	return r.m.get(account)
}

// Update registers or re-points an enclave.
func (r *EnclaveRegistry) Update(account identity.Address32, workerURL string) error {
	if workerURL == "" {
		return fmt.Errorf("registry: worker url required for %s", account)
	}
	return r.m.update(account, workerURL)
}

func (r *EnclaveRegistry) Remove(account identity.Address32) error {
	return r.m.remove(account)
}

// GetAll returns the enclaves sorted by account.
func (r *EnclaveRegistry) GetAll() []Enclave {
	entries := r.m.all()
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key[:], entries[j].Key[:]) < 0
	})
	out := make([]Enclave, len(entries))
	for i, e := range entries {
		out[i] = Enclave{Account: e.Key, WorkerURL: e.Value}
	}
	return out
}

// SignerRegistry maps enclave accounts to compressed MuSig2 public keys.
type SignerRegistry struct {
	m *sealedMap[identity.Address32, []byte]
}

// NewSignerRegistry unseals the signer set from store.
func NewSignerRegistry(store storage.Backend) (*SignerRegistry, error) {
	m, err := openSealedMap[identity.Address32, []byte](store, signersKey)
	if err != nil {
		return nil, err
	}
	return &SignerRegistry{m: m}, nil
}

func (r *SignerRegistry) ContainsKey(account identity.Address32) bool {
	return r.m.contains(account)
}

func (r *SignerRegistry) PublicKey(account identity.Address32) (*btcec.PublicKey, bool) {
	raw, ok := r.m.get(account)
	if !ok {
		return nil, false
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, false
	}
	return pub, true
}

// Update registers the MuSig2 key of an enclave account.
func (r *SignerRegistry) Update(account identity.Address32, pub *btcec.PublicKey) error {
	if pub == nil {
		return fmt.Errorf("registry: public key required for %s", account)
	}
	return r.m.update(account, pub.SerializeCompressed())
}

func (r *SignerRegistry) Remove(account identity.Address32) error {
	return r.m.remove(account)
}

// GetAll returns the signers sorted by account. Entries whose key no longer
// parses are skipped.
func (r *SignerRegistry) GetAll() []Signer {
	entries := r.m.all()
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key[:], entries[j].Key[:]) < 0
	})
	out := make([]Signer, 0, len(entries))
	for _, e := range entries {
		pub, err := btcec.ParsePubKey(e.Value)
		if err != nil {
			continue
		}
		out = append(out, Signer{Account: e.Key, PublicKey: pub})
	}
	return out
}
