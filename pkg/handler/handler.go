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

// Package handler authorizes and executes calls. Every handler checks the
// signer against the relevant registry before any key material is touched:
// relayers for single-shot calls, enclaves for ceremony round calls.
//
// Handlers are pure given their dependencies. Single-signer paths return the
// signature; Bitcoin paths return the command the ceremony coordinator runs.
package handler

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
	"github.com/jeremyhahn/go-bitacross/pkg/registry"
)

// SignEthereum signs the prehashed message with the enclave's Ethereum key and
// returns a 65-byte recoverable signature (r || s || v, v in {0, 1}).
func SignEthereum(call directcall.SignEthereum, relayers registry.RelayerLookup, keys keyrepo.Repository[*ecdsa.PrivateKey]) ([]byte, error) {
	if !relayers.ContainsKey(call.From) {
		return nil, ErrInvalidSigner
	}
	key, err := keys.RetrieveKey()
	if err != nil {
		return nil, NewError(CodeSigningError, err)
	}
	sig, err := crypto.Sign(call.Message[:], key)
	if err != nil {
		return nil, NewError(CodeSigningError, err)
	}
	return sig, nil
}

// SignTon signs the message with the enclave's TON ed25519 key and returns a
// 64-byte signature.
func SignTon(call directcall.SignTon, relayers registry.RelayerLookup, keys keyrepo.Repository[ed25519.PrivateKey]) ([]byte, error) {
	if !relayers.ContainsKey(call.From) {
		return nil, ErrInvalidSigner
	}
	key, err := keys.RetrieveKey()
	if err != nil {
		return nil, NewError(CodeSigningError, err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, NewError(CodeSigningError, fmt.Errorf("ton key has %d bytes", len(key)))
	}
	return ed25519.Sign(key, call.Message), nil
}

// CommandKind is the ceremony operation a Command requests.
type CommandKind uint8

const (
	// CommandInit starts (or joins) a ceremony on behalf of a local client.
	CommandInit CommandKind = iota + 1
	CommandNonce
	CommandPartialSignature
	CommandKill
)

func (k CommandKind) String() string {
	switch k {
	case CommandInit:
		return "init"
	case CommandNonce:
		return "nonce"
	case CommandPartialSignature:
		return "partial_signature"
	case CommandKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Command is an authorized, decoded instruction for the ceremony coordinator.
type Command struct {
	Kind    CommandKind
	ID      directcall.CeremonyID
	Payload directcall.SignBitcoinPayload

	// Contributor is the enclave account for round commands.
	Contributor identity.Address32

	Nonce   directcall.Nonce
	Partial directcall.PartialSignature

	// CheckRun marks the self-test ceremony started by CheckSignBitcoin.
	CheckRun bool
	// AESKey encrypts the result for the client of an Init command.
	AESKey [32]byte
}

// SignBitcoin authorizes a relayer's Bitcoin signing request.
func SignBitcoin(call directcall.SignBitcoin, relayers registry.RelayerLookup) (Command, error) {
	if !relayers.ContainsKey(call.From) {
		return Command{}, ErrInvalidSigner
	}
	if err := call.Payload.Validate(); err != nil {
		return Command{}, NewError(CodeInvalidPayload, err)
	}
	return Command{
		Kind:    CommandInit,
		ID:      call.Payload.CeremonyID(),
		Payload: call.Payload,
		AESKey:  call.Key,
	}, nil
}

// CheckSignBitcoin authorizes a self-test ceremony over the fixed check payload.
func CheckSignBitcoin(call directcall.CheckSignBitcoin, relayers registry.RelayerLookup) (Command, error) {
	if !relayers.ContainsKey(call.From) {
		return Command{}, ErrInvalidSigner
	}
	payload := directcall.CheckRunPayload()
	return Command{
		Kind:     CommandInit,
		ID:       payload.CeremonyID(),
		Payload:  payload,
		CheckRun: true,
		AESKey:   call.Key,
	}, nil
}

// NonceShare authorizes a peer enclave's nonce.
func NonceShare(call directcall.NonceShare, enclaves registry.EnclaveLookup) (Command, error) {
	cmd, err := roundCommand(CommandNonce, call, enclaves)
	if err != nil {
		return Command{}, err
	}
	cmd.Nonce = call.Nonce
	return cmd, nil
}

// PartialSignatureShare authorizes a peer enclave's partial signature.
func PartialSignatureShare(call directcall.PartialSignatureShare, enclaves registry.EnclaveLookup) (Command, error) {
	cmd, err := roundCommand(CommandPartialSignature, call, enclaves)
	if err != nil {
		return Command{}, err
	}
	cmd.Partial = call.Signature
	return cmd, nil
}

// KillCeremony authorizes an abort request from any registered enclave.
func KillCeremony(call directcall.KillCeremony, enclaves registry.EnclaveLookup) (Command, error) {
	return roundCommand(CommandKill, call, enclaves)
}

func roundCommand(kind CommandKind, call directcall.CeremonyRoundCall, enclaves registry.EnclaveLookup) (Command, error) {
	account, err := call.Signer().Address32()
	if err != nil || !enclaves.ContainsKey(account) {
		return Command{}, ErrInvalidSigner
	}
	payload := call.BitcoinPayload()
	if err := payload.Validate(); err != nil {
		return Command{}, NewError(CodeInvalidPayload, err)
	}
	return Command{
		Kind:        kind,
		ID:          payload.CeremonyID(),
		Payload:     payload,
		Contributor: account,
	}, nil
}

// Dependencies are the collaborators Handle needs.
type Dependencies struct {
	Relayers    registry.RelayerLookup
	Enclaves    registry.EnclaveLookup
	EthereumKey keyrepo.Repository[*ecdsa.PrivateKey]
	TonKey      keyrepo.Repository[ed25519.PrivateKey]
}

// Outcome is the result of Handle: either a signature to return directly or
// a command for the ceremony coordinator.
type Outcome struct {
	Signature []byte
	Command   *Command
}

// Handle routes a verified call to its handler.
func Handle(call directcall.Call, deps Dependencies) (Outcome, error) {
	var (
		sig []byte
		cmd Command
		err error
	)
	switch c := call.(type) {
	case directcall.SignEthereum:
		sig, err = SignEthereum(c, deps.Relayers, deps.EthereumKey)
		return Outcome{Signature: sig}, err
	case directcall.SignTon:
		sig, err = SignTon(c, deps.Relayers, deps.TonKey)
		return Outcome{Signature: sig}, err
	case directcall.SignBitcoin:
		cmd, err = SignBitcoin(c, deps.Relayers)
	case directcall.CheckSignBitcoin:
		cmd, err = CheckSignBitcoin(c, deps.Relayers)
	case directcall.NonceShare:
		cmd, err = NonceShare(c, deps.Enclaves)
	case directcall.PartialSignatureShare:
		cmd, err = PartialSignatureShare(c, deps.Enclaves)
	case directcall.KillCeremony:
		cmd, err = KillCeremony(c, deps.Enclaves)
	default:
		return Outcome{}, NewError(CodeInvalidPayload, errors.New("unsupported call"))
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Command: &cmd}, nil
}
