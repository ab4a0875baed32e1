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

package ceremony

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
)

// State is the lifecycle stage of a ceremony.
type State uint8

const (
	// Created ceremonies hold our nonce but are not yet in the table.
	Created State = iota
	CollectingNonces
	CollectingPartialSignatures
	Aggregating
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case CollectingNonces:
		return "collecting_nonces"
	case CollectingPartialSignatures:
		return "collecting_partial_signatures"
	case Aggregating:
		return "aggregating"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) terminal() bool {
	return s == Completed || s == Aborted
}

// ceremony is one MuSig2 signing run. It is owned by the Coordinator and
// never touched outside the serial processor.
type ceremony struct {
	id      directcall.CeremonyID
	payload directcall.SignBitcoinPayload
	state   State
	created time.Time

	// client is set when a local relayer waits on the result under id.
	client   bool
	aesKey   [32]byte
	checkRun bool

	// participants maps every signer account, including our own, to its key.
	participants map[identity.Address32]*btcec.PublicKey
	self         identity.Address32

	nonces   map[identity.Address32]directcall.Nonce
	partials map[identity.Address32]directcall.PartialSignature
	// early holds partial signatures received before our nonce quorum.
	early map[identity.Address32]directcall.PartialSignature

	musig     *musig2.Context
	session   *musig2.Session
	signature *schnorr.Signature
}

func newCeremony(
	id directcall.CeremonyID,
	payload directcall.SignBitcoinPayload,
	key *btcec.PrivateKey,
	self identity.Address32,
	participants map[identity.Address32]*btcec.PublicKey,
	now time.Time,
) (*ceremony, error) {
	keys := make([]*btcec.PublicKey, 0, len(participants))
	for _, pub := range participants {
		keys = append(keys, pub)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].SerializeCompressed(), keys[j].SerializeCompressed()) < 0
	})

	opts := []musig2.ContextOption{musig2.WithKnownSigners(keys)}
	switch payload.Kind {
	case directcall.PayloadTaprootUnspendable:
		opts = append(opts, musig2.WithBip86TweakCtx())
	case directcall.PayloadTaprootSpendable:
		opts = append(opts, musig2.WithTaprootTweakCtx(payload.MerkleRoot[:]))
	case directcall.PayloadWithTweaks:
		tweaks := make([]musig2.KeyTweakDesc, len(payload.Tweaks))
		for i, t := range payload.Tweaks {
			tweaks[i] = musig2.KeyTweakDesc{Tweak: t.Tweak, IsXOnly: t.IsXOnly}
		}
		opts = append(opts, musig2.WithTweakedContext(tweaks...))
	}

	musigCtx, err := musig2.NewContext(key, true, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create musig2 context: %w", err)
	}
	session, err := musigCtx.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create musig2 session: %w", err)
	}

	return &ceremony{
		id:           id,
		payload:      payload,
		state:        Created,
		created:      now,
		participants: participants,
		self:         self,
		nonces:       make(map[identity.Address32]directcall.Nonce),
		partials:     make(map[identity.Address32]directcall.PartialSignature),
		early:        make(map[identity.Address32]directcall.PartialSignature),
		musig:        musigCtx,
		session:      session,
	}, nil
}

func (c *ceremony) localNonce() directcall.Nonce {
	return directcall.Nonce(c.session.PublicNonce())
}

func (c *ceremony) isPeer(account identity.Address32) bool {
	_, ok := c.participants[account]
	return ok && account != c.self
}

// addNonce records a peer nonce and reports whether every participant's
// nonce is now known.
func (c *ceremony) addNonce(from identity.Address32, nonce directcall.Nonce) (bool, error) {
	// The session keeps a nonce even when aggregating it fails.
	for _, half := range [][]byte{nonce[:btcec.PubKeyBytesLenCompressed], nonce[btcec.PubKeyBytesLenCompressed:]} {
		if _, err := btcec.ParsePubKey(half); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
		}
	}
	haveAll, err := c.session.RegisterPubNonce(nonce)
	if err != nil {
		return false, fmt.Errorf("failed to register nonce: %w", err)
	}
	c.nonces[from] = nonce
	return haveAll, nil
}

// sign produces our partial signature. It must run before any peer partial
// is combined.
func (c *ceremony) sign() (directcall.PartialSignature, error) {
	var out directcall.PartialSignature
	ps, err := c.session.Sign(c.payload.Message)
	if err != nil {
		return out, fmt.Errorf("failed to sign: %w", err)
	}
	var buf bytes.Buffer
	if err := ps.Encode(&buf); err != nil {
		return out, fmt.Errorf("failed to encode partial signature: %w", err)
	}
	copy(out[:], buf.Bytes())
	return out, nil
}

// addPartial combines a peer partial signature and reports whether the final
// signature is available.
func (c *ceremony) addPartial(from identity.Address32, sig directcall.PartialSignature) (bool, error) {
	var ps musig2.PartialSignature
	if err := ps.Decode(bytes.NewReader(sig[:])); err != nil {
		return false, fmt.Errorf("failed to decode partial signature: %w", err)
	}
	haveAll, err := c.session.CombineSig(&ps)
	if err != nil {
		return false, fmt.Errorf("failed to combine partial signature: %w", err)
	}
	c.partials[from] = sig
	return haveAll, nil
}

// finalize verifies the aggregate signature against the tweaked aggregate key.
func (c *ceremony) finalize() (*schnorr.Signature, error) {
	sig := c.session.FinalSig()
	if sig == nil {
		return nil, fmt.Errorf("final signature unavailable")
	}
	key, err := c.musig.CombinedKey()
	if err != nil {
		return nil, fmt.Errorf("failed to compute aggregate key: %w", err)
	}
	if !sig.Verify(c.payload.Message[:], key) {
		return nil, errVerification
	}
	return sig, nil
}

// AggregatedKey returns the untweaked MuSig2 aggregate of keys, sorted the
// same way ceremonies sort their participants.
func AggregatedKey(keys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	sorted := append([]*btcec.PublicKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].SerializeCompressed(), sorted[j].SerializeCompressed()) < 0
	})
	agg, _, _, err := musig2.AggregateKeys(sorted, true)
	if err != nil {
		return nil, err
	}
	return agg.FinalKey, nil
}
