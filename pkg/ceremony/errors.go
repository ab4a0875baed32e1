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

import "errors"

// Lifecycle errors reject a single contribution. They never abort the
// ceremony for other participants.
var (
	ErrUnknownCeremony       = errors.New("ceremony: unknown ceremony")
	ErrCeremonyEnded         = errors.New("ceremony: ceremony already ended")
	ErrCeremonyInProgress    = errors.New("ceremony: a client already waits on this ceremony")
	ErrUnknownContributor    = errors.New("ceremony: contributor is not a participant")
	ErrDuplicateContribution = errors.New("ceremony: duplicate contribution")
	ErrUnexpectedRound       = errors.New("ceremony: contribution not valid in current state")
	ErrMissingNonce          = errors.New("ceremony: contributor submitted no nonce")
	ErrInvalidNonce          = errors.New("ceremony: malformed nonce")
	ErrNotEnoughSigners      = errors.New("ceremony: not enough signers")
)

var errVerification = errors.New("ceremony: aggregate signature does not verify")
