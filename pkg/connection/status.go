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

package connection

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hash is a correlation hash. A connection is first registered under a
// provisional hash and may later be re-keyed to a ceremony id.
type Hash [32]byte

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("connection: invalid hash: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("connection: hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// OperationStatus is the lifecycle stage of a submitted operation.
type OperationStatus uint8

const (
	Submitted OperationStatus = iota
	Future
	Ready
	Broadcast
	InSidechainBlock
	Retracted
	FinalityTimeout
	Finalized
	Usurped
	Dropped
	Invalid
	TopExecuted
)

var operationStatusNames = [...]string{
	Submitted:        "submitted",
	Future:           "future",
	Ready:            "ready",
	Broadcast:        "broadcast",
	InSidechainBlock: "in_sidechain_block",
	Retracted:        "retracted",
	FinalityTimeout:  "finality_timeout",
	Finalized:        "finalized",
	Usurped:          "usurped",
	Dropped:          "dropped",
	Invalid:          "invalid",
	TopExecuted:      "top_executed",
}

func (s OperationStatus) String() string {
	if int(s) < len(operationStatusNames) {
		return operationStatusNames[s]
	}
	return fmt.Sprintf("OperationStatus(%d)", uint8(s))
}

// ContinueWatching reports whether a connection stays open after this status
// is pushed.
func (s OperationStatus) ContinueWatching() bool {
	switch s {
	case Invalid, InSidechainBlock, Finalized, Usurped:
		return false
	default:
		return true
	}
}

// StatusKind discriminates DirectRequestStatus.
type StatusKind uint8

const (
	KindOk StatusKind = iota
	KindError
	KindProcessing
	KindOperation
)

func (k StatusKind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindError:
		return "error"
	case KindProcessing:
		return "processing"
	case KindOperation:
		return "operation"
	default:
		return fmt.Sprintf("StatusKind(%d)", uint8(k))
	}
}

// DirectRequestStatus is the status field of a response.
type DirectRequestStatus struct {
	Kind      StatusKind
	Operation OperationStatus
	Hash      Hash
}

func StatusOk() DirectRequestStatus    { return DirectRequestStatus{Kind: KindOk} }
func StatusError() DirectRequestStatus { return DirectRequestStatus{Kind: KindError} }

func Processing(h Hash) DirectRequestStatus {
	return DirectRequestStatus{Kind: KindProcessing, Hash: h}
}

func OperationStatusOf(s OperationStatus, h Hash) DirectRequestStatus {
	return DirectRequestStatus{Kind: KindOperation, Operation: s, Hash: h}
}

// IsTerminal reports whether no further push follows this status.
func (s DirectRequestStatus) IsTerminal() bool {
	return s.Kind == KindOk || s.Kind == KindError
}

type statusJSON struct {
	Kind      string `json:"kind"`
	Operation string `json:"operation,omitempty"`
	Hash      *Hash  `json:"hash,omitempty"`
}

func (s DirectRequestStatus) MarshalJSON() ([]byte, error) {
	out := statusJSON{Kind: s.Kind.String()}
	switch s.Kind {
	case KindProcessing:
		out.Hash = &s.Hash
	case KindOperation:
		out.Operation = s.Operation.String()
		out.Hash = &s.Hash
	}
	return json.Marshal(out)
}

func (s *DirectRequestStatus) UnmarshalJSON(data []byte) error {
	var in statusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "ok":
		*s = StatusOk()
		return nil
	case "error":
		*s = StatusError()
		return nil
	}
	if in.Hash == nil {
		return fmt.Errorf("connection: status %q requires a hash", in.Kind)
	}
	switch in.Kind {
	case "processing":
		*s = Processing(*in.Hash)
	case "operation":
		op := -1
		for i, name := range operationStatusNames {
			if name == in.Operation {
				op = i
			}
		}
		if op < 0 {
			return fmt.Errorf("connection: unknown operation status %q", in.Operation)
		}
		*s = OperationStatusOf(OperationStatus(op), *in.Hash)
	default:
		return fmt.Errorf("connection: unknown status kind %q", in.Kind)
	}
	return nil
}

// ReturnValue is the response envelope pushed to a client. DoWatch tells the
// transport to keep the connection open for further pushes.
type ReturnValue struct {
	Value   hexutil.Bytes       `json:"value"`
	DoWatch bool                `json:"do_watch"`
	Status  DirectRequestStatus `json:"status"`
}
