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

// Package directcall defines the signed envelopes accepted by the enclave.
//
// Two call families exist. Single-shot calls (SignBitcoin, SignEthereum,
// SignTon, CheckSignBitcoin) come from relayers and carry an AES key used to
// encrypt the result. Ceremony round calls (NonceShare, PartialSignatureShare,
// KillCeremony) are exchanged between enclaves while a MuSig2 ceremony runs.
//
// Every call is signed over blake2b_256(encode(call) || mrenclave || shard), so
// a captured envelope cannot be replayed against another enclave build or
// another shard.
package directcall

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-bitacross/pkg/identity"
)

// Kind tags a call variant on the wire.
type Kind uint8

const (
	KindSignBitcoin Kind = iota + 1
	KindSignEthereum
	KindSignTon
	KindCheckSignBitcoin
)

const (
	KindNonceShare Kind = iota + 16
	KindPartialSignatureShare
	KindKillCeremony
)

func (k Kind) String() string {
	switch k {
	case KindSignBitcoin:
		return "SignBitcoin"
	case KindSignEthereum:
		return "SignEthereum"
	case KindSignTon:
		return "SignTon"
	case KindCheckSignBitcoin:
		return "CheckSignBitcoin"
	case KindNonceShare:
		return "NonceShare"
	case KindPartialSignatureShare:
		return "PartialSignatureShare"
	case KindKillCeremony:
		return "KillCeremony"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Call is any signed-envelope body.
type Call interface {
	Signer() identity.Identity
	Kind() Kind
}

// DirectCall is a single-shot call submitted by a relayer.
type DirectCall interface {
	Call
	AESKey() [32]byte
	direct()
}

// CeremonyRoundCall is a message exchanged between enclaves during a ceremony.
type CeremonyRoundCall interface {
	Call
	BitcoinPayload() SignBitcoinPayload
	CeremonyID() CeremonyID
	round()
}

// Nonce is a serialized MuSig2 public nonce (two compressed points).
type Nonce [66]byte

// PartialSignature is a serialized MuSig2 partial signature scalar.
type PartialSignature [32]byte

type SignBitcoin struct {
	From    identity.Identity  `cbor:"1,keyasint"`
	Key     [32]byte           `cbor:"2,keyasint"`
	Payload SignBitcoinPayload `cbor:"3,keyasint"`
}

type SignEthereum struct {
	From identity.Identity `cbor:"1,keyasint"`
	Key  [32]byte          `cbor:"2,keyasint"`
	// Message is the prehashed 32-byte digest to sign.
	Message [32]byte `cbor:"3,keyasint"`
}

type SignTon struct {
	From    identity.Identity `cbor:"1,keyasint"`
	Key     [32]byte          `cbor:"2,keyasint"`
	Message []byte            `cbor:"3,keyasint"`
}

type CheckSignBitcoin struct {
	From identity.Identity `cbor:"1,keyasint"`
	Key  [32]byte          `cbor:"2,keyasint"`
}

type NonceShare struct {
	From    identity.Identity  `cbor:"1,keyasint"`
	Payload SignBitcoinPayload `cbor:"2,keyasint"`
	Nonce   Nonce              `cbor:"3,keyasint"`
}

type PartialSignatureShare struct {
	From      identity.Identity  `cbor:"1,keyasint"`
	Payload   SignBitcoinPayload `cbor:"2,keyasint"`
	Signature PartialSignature   `cbor:"3,keyasint"`
}

type KillCeremony struct {
	From    identity.Identity  `cbor:"1,keyasint"`
	Payload SignBitcoinPayload `cbor:"2,keyasint"`
}

func (c SignBitcoin) Signer() identity.Identity      { return c.From }
func (c SignEthereum) Signer() identity.Identity     { return c.From }
func (c SignTon) Signer() identity.Identity          { return c.From }
func (c CheckSignBitcoin) Signer() identity.Identity { return c.From }

func (c SignBitcoin) Kind() Kind      { return KindSignBitcoin }
func (c SignEthereum) Kind() Kind     { return KindSignEthereum }
func (c SignTon) Kind() Kind          { return KindSignTon }
func (c CheckSignBitcoin) Kind() Kind { return KindCheckSignBitcoin }

func (c SignBitcoin) AESKey() [32]byte      { return c.Key }
func (c SignEthereum) AESKey() [32]byte     { return c.Key }
func (c SignTon) AESKey() [32]byte          { return c.Key }
func (c CheckSignBitcoin) AESKey() [32]byte { return c.Key }

func (SignBitcoin) direct()      {}
func (SignEthereum) direct()     {}
func (SignTon) direct()          {}
func (CheckSignBitcoin) direct() {}

func (c NonceShare) Signer() identity.Identity            { return c.From }
func (c PartialSignatureShare) Signer() identity.Identity { return c.From }
func (c KillCeremony) Signer() identity.Identity          { return c.From }

func (c NonceShare) Kind() Kind            { return KindNonceShare }
func (c PartialSignatureShare) Kind() Kind { return KindPartialSignatureShare }
func (c KillCeremony) Kind() Kind          { return KindKillCeremony }

func (c NonceShare) BitcoinPayload() SignBitcoinPayload            { return c.Payload }
func (c PartialSignatureShare) BitcoinPayload() SignBitcoinPayload { return c.Payload }
func (c KillCeremony) BitcoinPayload() SignBitcoinPayload          { return c.Payload }

func (c NonceShare) CeremonyID() CeremonyID            { return c.Payload.CeremonyID() }
func (c PartialSignatureShare) CeremonyID() CeremonyID { return c.Payload.CeremonyID() }
func (c KillCeremony) CeremonyID() CeremonyID          { return c.Payload.CeremonyID() }

func (NonceShare) round()            {}
func (PartialSignatureShare) round() {}
func (KillCeremony) round()          {}

// Mrenclave is the measurement of the enclave build a call is bound to.
type Mrenclave [32]byte

// Shard identifies the state partition a call is bound to.
type Shard [32]byte

func (m Mrenclave) String() string { return "0x" + hex.EncodeToString(m[:]) }
func (s Shard) String() string     { return "0x" + hex.EncodeToString(s[:]) }

// ParseMrenclave decodes a 32-byte hex measurement, with or without 0x.
func ParseMrenclave(s string) (Mrenclave, error) {
	var m Mrenclave
	err := decodeHex32(s, m[:])
	return m, err
}

// ParseShard decodes a 32-byte hex shard, with or without 0x.
func ParseShard(s string) (Shard, error) {
	var sh Shard
	err := decodeHex32(s, sh[:])
	return sh, err
}

func decodeHex32(s string, dst []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("directcall: invalid hex: %w", err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("directcall: expected %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
