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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrDecrypt is returned when an AesOutput does not authenticate under the key.
var ErrDecrypt = errors.New("directcall: decryption failed")

// AesOutput is an AES-256-GCM ciphertext returned to relayers.
type AesOutput struct {
	Ciphertext []byte   `cbor:"1,keyasint" json:"ciphertext"`
	Aad        []byte   `cbor:"2,keyasint" json:"aad"`
	Nonce      [12]byte `cbor:"3,keyasint" json:"nonce"`
}

// Seal encrypts plaintext under the 32-byte key the relayer supplied.
func Seal(key [32]byte, plaintext, aad []byte) (AesOutput, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return AesOutput{}, err
	}
	out := AesOutput{Aad: append([]byte(nil), aad...)}
	if _, err := rand.Read(out.Nonce[:]); err != nil {
		return AesOutput{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out.Ciphertext = gcm.Seal(nil, out.Nonce[:], plaintext, aad)
	return out, nil
}

// Open decrypts an AesOutput produced by Seal.
func Open(key [32]byte, out AesOutput) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, out.Nonce[:], out.Ciphertext, out.Aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Encode serializes the output for the wire.
func (o AesOutput) Encode() ([]byte, error) {
	return encMode.Marshal(o)
}

// DecodeAesOutput parses an encoded AesOutput.
func DecodeAesOutput(data []byte) (AesOutput, error) {
	var out AesOutput
	if err := decMode.Unmarshal(data, &out); err != nil {
		return AesOutput{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
