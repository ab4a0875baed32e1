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

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(7, MethodSubmitRequest, "0x01", "0x02")
	require.NoError(t, err)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"bitacross_submitRequest","params":["0x01","0x02"],"id":7}`, string(data))

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))
	params, err := decoded.StringParams()
	require.NoError(t, err)
	assert.Equal(t, []string{"0x01", "0x02"}, params)
	assert.False(t, decoded.IsNotification())
}

func TestNotification(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"system_health"}`), &req))
	assert.True(t, req.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"system_health","id":null}`), &req))
	assert.True(t, req.IsNotification())
}

func TestStringParams_Invalid(t *testing.T) {
	req := Request{Params: json.RawMessage(`{"shard":"0x01"}`)}
	_, err := req.StringParams()
	assert.Error(t, err)
}

func TestResponses(t *testing.T) {
	id := json.RawMessage(`"abc"`)
	resp, err := NewResult(id, map[string]string{"status": "ok"})
	require.NoError(t, err)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{"status":"ok"},"id":"abc"}`, string(data))

	errResp := NewError(id, CodeMethodNotFound, "method not found")
	assert.Equal(t, "jsonrpc error -32601: method not found", errResp.Error.Error())
}
