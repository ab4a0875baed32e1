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
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/jeremyhahn/go-bitacross/pkg/identity"
)

var (
	// ErrInvalidPayload is returned for malformed envelopes or payloads.
	ErrInvalidPayload = errors.New("directcall: invalid payload")

	// ErrUnknownKind is returned when an envelope carries an unknown call tag.
	ErrUnknownKind = errors.New("directcall: unknown call kind")

	// ErrWrongFamily is returned when a round call is decoded as a direct call
	// or the other way around.
	ErrWrongFamily = errors.New("directcall: wrong call family")

	// ErrSignerMismatch is returned by Sign when the key does not belong to the
	// call's signer.
	ErrSignerMismatch = errors.New("directcall: signer does not match call")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("directcall: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("directcall: cbor decoder: %v", err))
	}
}

type envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Encode serializes a call deterministically. Equal calls encode to equal bytes.
func Encode(call Call) ([]byte, error) {
	body, err := encMode.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", call.Kind(), err)
	}
	return encMode.Marshal(envelope{Kind: call.Kind(), Body: body})
}

// Decode parses a call of either family.
func Decode(data []byte) (Call, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var call Call
	var err error
	switch env.Kind {
	case KindSignBitcoin:
		call, err = decodeBody[SignBitcoin](env.Body)
	case KindSignEthereum:
		call, err = decodeBody[SignEthereum](env.Body)
	case KindSignTon:
		call, err = decodeBody[SignTon](env.Body)
	case KindCheckSignBitcoin:
		call, err = decodeBody[CheckSignBitcoin](env.Body)
	case KindNonceShare:
		call, err = decodeBody[NonceShare](env.Body)
	case KindPartialSignatureShare:
		call, err = decodeBody[PartialSignatureShare](env.Body)
	case KindKillCeremony:
		call, err = decodeBody[KillCeremony](env.Body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := call.Signer().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return call, nil
}

func decodeBody[T Call](body []byte) (Call, error) {
	var v T
	if err := decMode.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

// Signed is a call together with its signer's signature.
type Signed struct {
	Call      Call
	Signature []byte
}

type signedWire struct {
	Call      cbor.RawMessage `cbor:"1,keyasint"`
	Signature []byte          `cbor:"2,keyasint"`
}

// Encode serializes the signed envelope.
func (s *Signed) Encode() ([]byte, error) {
	call, err := Encode(s.Call)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(signedWire{Call: call, Signature: s.Signature})
}

// DecodeSigned parses a signed envelope of either family.
func DecodeSigned(data []byte) (*Signed, error) {
	var wire signedWire
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	call, err := Decode(wire.Call)
	if err != nil {
		return nil, err
	}
	return &Signed{Call: call, Signature: wire.Signature}, nil
}

// Direct returns the call as a DirectCall or ErrWrongFamily.
func (s *Signed) Direct() (DirectCall, error) {
	dc, ok := s.Call.(DirectCall)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a direct call", ErrWrongFamily, s.Call.Kind())
	}
	return dc, nil
}

// Round returns the call as a CeremonyRoundCall or ErrWrongFamily.
func (s *Signed) Round() (CeremonyRoundCall, error) {
	rc, ok := s.Call.(CeremonyRoundCall)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a ceremony round call", ErrWrongFamily, s.Call.Kind())
	}
	return rc, nil
}

// signingPayload is blake2b_256(encode(call) || mrenclave || shard).
func signingPayload(call Call, mrenclave Mrenclave, shard Shard) ([]byte, error) {
	encoded, err := Encode(call)
	if err != nil {
		return nil, err
	}
	h, _ := blake2b.New256(nil)
	h.Write(encoded)
	h.Write(mrenclave[:])
	h.Write(shard[:])
	return h.Sum(nil), nil
}

// Sign binds call to (mrenclave, shard) and signs it with signer.
func Sign(call Call, signer identity.Signer, mrenclave Mrenclave, shard Shard) (*Signed, error) {
	if !signer.Identity().Equal(call.Signer()) {
		return nil, ErrSignerMismatch
	}
	payload, err := signingPayload(call, mrenclave, shard)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", call.Kind(), err)
	}
	return &Signed{Call: call, Signature: sig}, nil
}

// VerifySignature reports whether s was signed by its call's signer for this
// mrenclave and shard. Callers must reject the envelope on false.
func VerifySignature(s *Signed, mrenclave Mrenclave, shard Shard) bool {
	if s == nil || s.Call == nil {
		return false
	}
	payload, err := signingPayload(s.Call, mrenclave, shard)
	if err != nil {
		return false
	}
	return identity.Verify(s.Call.Signer(), payload, s.Signature)
}
