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

package directcall

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// PayloadKind selects how the aggregate key is tweaked before signing.
type PayloadKind uint8

const (
	// PayloadDerived signs with the untweaked aggregate key.
	PayloadDerived PayloadKind = iota + 1
	// PayloadTaprootUnspendable applies the BIP-86 tweak (no script path).
	PayloadTaprootUnspendable
	// PayloadTaprootSpendable applies the taproot tweak for a script merkle root.
	PayloadTaprootSpendable
	// PayloadWithTweaks applies an explicit list of tweaks in order.
	PayloadWithTweaks
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadDerived:
		return "Derived"
	case PayloadTaprootUnspendable:
		return "TaprootUnspendable"
	case PayloadTaprootSpendable:
		return "TaprootSpendable"
	case PayloadWithTweaks:
		return "WithTweaks"
	default:
		return fmt.Sprintf("PayloadKind(%d)", uint8(k))
	}
}

// Tweak is a single key tweak; IsXOnly selects x-only (BIP-341) tweaking.
type Tweak struct {
	Tweak   [32]byte `cbor:"1,keyasint"`
	IsXOnly bool     `cbor:"2,keyasint"`
}

// SignBitcoinPayload is the message a ceremony signs plus its tweak mode.
// Message is a 32-byte sighash.
type SignBitcoinPayload struct {
	Kind       PayloadKind `cbor:"1,keyasint"`
	Message    [32]byte    `cbor:"2,keyasint"`
	MerkleRoot [32]byte    `cbor:"3,keyasint"`
	Tweaks     []Tweak     `cbor:"4,keyasint,omitempty"`
}

func Derived(msg [32]byte) SignBitcoinPayload {
	return SignBitcoinPayload{Kind: PayloadDerived, Message: msg}
}

func TaprootUnspendable(msg [32]byte) SignBitcoinPayload {
	return SignBitcoinPayload{Kind: PayloadTaprootUnspendable, Message: msg}
}

func TaprootSpendable(msg, merkleRoot [32]byte) SignBitcoinPayload {
	return SignBitcoinPayload{Kind: PayloadTaprootSpendable, Message: msg, MerkleRoot: merkleRoot}
}

func WithTweaks(msg [32]byte, tweaks []Tweak) SignBitcoinPayload {
	return SignBitcoinPayload{Kind: PayloadWithTweaks, Message: msg, Tweaks: append([]Tweak(nil), tweaks...)}
}

// CheckRunPayload is the fixed payload signed by CheckSignBitcoin.
func CheckRunPayload() SignBitcoinPayload {
	return Derived([32]byte{})
}

// Validate rejects unknown kinds and fields that do not belong to the kind.
func (p SignBitcoinPayload) Validate() error {
	switch p.Kind {
	case PayloadDerived, PayloadTaprootUnspendable:
		if p.MerkleRoot != ([32]byte{}) || len(p.Tweaks) > 0 {
			return fmt.Errorf("%w: %s takes no merkle root or tweaks", ErrInvalidPayload, p.Kind)
		}
	case PayloadTaprootSpendable:
		if len(p.Tweaks) > 0 {
			return fmt.Errorf("%w: %s takes no tweaks", ErrInvalidPayload, p.Kind)
		}
	case PayloadWithTweaks:
		if p.MerkleRoot != ([32]byte{}) {
			return fmt.Errorf("%w: %s takes no merkle root", ErrInvalidPayload, p.Kind)
		}
		if len(p.Tweaks) == 0 {
			return fmt.Errorf("%w: %s needs at least one tweak", ErrInvalidPayload, p.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown payload kind %d", ErrInvalidPayload, p.Kind)
	}
	return nil
}

// CeremonyID is blake2b_256 over the deterministic encoding of the payload.
// Identical payloads always map to the same ceremony.
func (p SignBitcoinPayload) CeremonyID() CeremonyID {
	data, err := encMode.Marshal(p)
	if err != nil {
		// Fixed-shape struct; marshal cannot fail.
		panic(fmt.Sprintf("directcall: encode payload: %v", err))
	}
	return CeremonyID(blake2b.Sum256(data))
}

// CeremonyID identifies a signing ceremony. It is also the id returned to the
// client in Submitted and the correlation hash the result is pushed under.
type CeremonyID [32]byte

func (id CeremonyID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}
