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

// Package jsonrpc holds the JSON-RPC 2.0 envelope shared by the enclave
// server, the peer broadcaster and the client library.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const Version = "2.0"

// Methods served over the WebSocket endpoint.
const (
	MethodSubmitRequest       = "bitacross_submitRequest"
	MethodSubmitCeremonyRound = "bitacross_submitCeremonyRound"
	MethodAggregatedPublicKey = "bitacross_aggregatedPublicKey"
	MethodGetPublicKeys       = "bitacross_getPublicKeys"
	MethodGetShard            = "author_getShard"
	MethodGetMrenclave        = "state_getMrenclave"
	MethodHealth              = "system_health"
)

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeServerBusy is returned when the processor queue is full.
	CodeServerBusy = -32000
	// CodeRateLimited is returned when a client exceeds its request budget.
	CodeRateLimited = -32029
)

// Request is a JSON-RPC 2.0 request. ID is kept raw so the server echoes it
// back exactly as received.
type Request struct {
	JSONRPC       string          `json:"jsonrpc"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
	ID            json.RawMessage `json:"id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Response is a JSON-RPC 2.0 response. A watched request produces several
// responses with the same ID.
type Response struct {
	JSONRPC       string          `json:"jsonrpc"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *Error          `json:"error,omitempty"`
	ID            json.RawMessage `json:"id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with a numeric id and string params.
func NewRequest(id uint64, method string, params ...string) (*Request, error) {
	if params == nil {
		params = []string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
	}, nil
}

// StringParams decodes positional string params.
func (r *Request) StringParams() ([]string, error) {
	if len(r.Params) == 0 {
		return nil, nil
	}
	var params []string
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// NewResult wraps v as a successful response to id.
func NewResult(id json.RawMessage, v any) (*Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

// NewError builds an error response to id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}
