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

package handler

import (
	"errors"
	"fmt"
)

// Code is the error detail sent to the caller. It never carries the cause.
type Code string

const (
	// CodeInvalidSigner: the signer is not in the relevant registry.
	CodeInvalidSigner Code = "InvalidSigner"
	// CodeSigningError: key retrieval or the signing step failed.
	CodeSigningError Code = "SigningError"
	// CodeInvalidPayload: the call or its payload is malformed.
	CodeInvalidPayload Code = "InvalidPayload"
	// CodeInvalidSignature: the envelope signature does not verify.
	CodeInvalidSignature Code = "InvalidSignature"
	// CodeCeremonyInProgress: a client already waits on this ceremony.
	CodeCeremonyInProgress Code = "CeremonyInProgress"
	// CodeCeremonyKilled: a participant aborted the ceremony.
	CodeCeremonyKilled Code = "CeremonyKilled"
	// CodeTimeout: the ceremony expired before completing.
	CodeTimeout Code = "Timeout"
	// CodeVerificationFailed: the aggregate signature did not verify.
	CodeVerificationFailed Code = "VerificationFailed"
	// CodeCeremonyRejected: a round contribution was refused locally.
	CodeCeremonyRejected Code = "CeremonyRejected"
	// CodeInternal: anything else.
	CodeInternal Code = "InternalError"
)

var (
	ErrInvalidSigner    = &HandlerError{Code: CodeInvalidSigner}
	ErrSigningError     = &HandlerError{Code: CodeSigningError}
	ErrInvalidPayload   = &HandlerError{Code: CodeInvalidPayload}
	ErrInvalidSignature = &HandlerError{Code: CodeInvalidSignature}
)

// HandlerError is a typed handler failure. Err is the local cause; it is
// logged but not sent over the wire.
type HandlerError struct {
	Code Code
	Err  error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is matches on Code so errors.Is(err, ErrInvalidSigner) holds for any
// wrapped cause.
func (e *HandlerError) Is(target error) bool {
	t, ok := target.(*HandlerError)
	return ok && t.Code == e.Code
}

// NewError returns a HandlerError with a cause.
func NewError(code Code, err error) *HandlerError {
	return &HandlerError{Code: code, Err: err}
}

// CodeOf extracts the wire code from err. Errors that are not a
// HandlerError map to CodeInternal.
func CodeOf(err error) Code {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeInternal
}

// Bytes is the wire form of the code carried in an Error response value.
func (c Code) Bytes() []byte {
	return []byte(c)
}
