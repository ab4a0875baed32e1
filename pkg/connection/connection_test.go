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

package connection_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/connection/mocks"
)

var (
	h0 = connection.Hash{0x01}
	c1 = connection.Hash{0xc1}
)

func newResponder() (*connection.Registry, *connection.Responder) {
	reg := connection.NewRegistry()
	return reg, connection.NewResponder(reg, nil)
}

func TestRegistry_StoreWithdraw(t *testing.T) {
	reg := connection.NewRegistry()
	conn := mocks.NewConnection()
	initial := connection.ReturnValue{Value: []byte{1}, DoWatch: true, Status: connection.Processing(h0)}

	require.NoError(t, reg.Store(h0, conn, initial, true))
	assert.ErrorIs(t, reg.Store(h0, conn, initial, false), connection.ErrHashInUse)
	assert.True(t, reg.IsForceWait(h0))
	assert.Equal(t, 1, reg.Len())

	e, ok := reg.Withdraw(h0)
	require.True(t, ok)
	assert.Same(t, conn, e.Conn)
	assert.Equal(t, initial, e.Response)
	assert.True(t, e.ForceWait)

	_, ok = reg.Withdraw(h0)
	assert.False(t, ok)
	assert.False(t, reg.IsForceWait(h0))
}

func TestSwapHash_MovesEntry(t *testing.T) {
	reg, responder := newResponder()
	conn := mocks.NewConnection()
	initial := connection.ReturnValue{Value: []byte("req"), DoWatch: true, Status: connection.Processing(h0)}
	require.NoError(t, reg.Store(h0, conn, initial, true))

	require.NoError(t, responder.SwapHash(h0, c1))

	_, ok := reg.Withdraw(h0)
	assert.False(t, ok)

	e, ok := reg.Withdraw(c1)
	require.True(t, ok)
	assert.Same(t, conn, e.Conn)
	assert.Equal(t, initial, e.Response)
	assert.True(t, e.ForceWait)
}

func TestSwapHash_Errors(t *testing.T) {
	reg, responder := newResponder()
	assert.ErrorIs(t, responder.SwapHash(h0, c1), connection.ErrInvalidConnectionHash)

	require.NoError(t, reg.Store(h0, mocks.NewConnection(), connection.ReturnValue{}, false))
	require.NoError(t, reg.Store(c1, mocks.NewConnection(), connection.ReturnValue{}, false))
	assert.ErrorIs(t, responder.SwapHash(h0, c1), connection.ErrHashInUse)
	assert.True(t, reg.Contains(h0))

	assert.NoError(t, responder.SwapHash(h0, h0))
}

// A connection registered under a provisional hash receives the ceremony
// result pushed under the id it was swapped to.
func TestProvisionalHashReceivesCeremonyResult(t *testing.T) {
	reg, responder := newResponder()
	conn := mocks.NewConnection()
	require.NoError(t, reg.Store(h0, conn, connection.ReturnValue{DoWatch: true, Status: connection.Processing(h0)}, true))

	require.NoError(t, responder.SwapHash(h0, c1))
	require.NoError(t, responder.SendStateWithStatus(c1, []byte("signature"), connection.StatusOk()))

	push, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, c1, push.Hash)
	assert.Equal(t, []byte("signature"), []byte(push.Value.Value))
	assert.Equal(t, connection.StatusOk(), push.Value.Status)
	assert.False(t, push.Value.DoWatch)
	assert.Zero(t, reg.Len())
}

func TestUpdateStatusEvent(t *testing.T) {
	tests := []struct {
		name      string
		status    connection.OperationStatus
		forceWait bool
		kept      bool
	}{
		{"submitted keeps watching", connection.Submitted, false, true},
		{"ready keeps watching", connection.Ready, false, true},
		{"finalized ends", connection.Finalized, false, false},
		{"invalid ends", connection.Invalid, false, false},
		{"force wait overrides", connection.Finalized, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, responder := newResponder()
			conn := mocks.NewConnection()
			require.NoError(t, reg.Store(h0, conn, connection.ReturnValue{Value: []byte{7}}, tt.forceWait))

			require.NoError(t, responder.UpdateStatusEvent(h0, tt.status))

			push, ok := conn.Last()
			require.True(t, ok)
			assert.Equal(t, connection.OperationStatusOf(tt.status, h0), push.Value.Status)
			assert.Equal(t, tt.kept, push.Value.DoWatch)
			assert.Equal(t, []byte{7}, []byte(push.Value.Value))
			assert.Equal(t, tt.kept, reg.Contains(h0))
		})
	}
}

func TestUpdateProcessing(t *testing.T) {
	reg, responder := newResponder()
	conn := mocks.NewConnection()
	require.NoError(t, reg.Store(c1, conn, connection.ReturnValue{}, false))

	require.NoError(t, responder.UpdateProcessing(c1))
	push, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, connection.Processing(c1), push.Value.Status)
	assert.True(t, push.Value.DoWatch)
	assert.True(t, reg.Contains(c1))

	assert.ErrorIs(t, responder.UpdateProcessing(h0), connection.ErrInvalidConnectionHash)
}

func TestSendState_IsTerminal(t *testing.T) {
	reg, responder := newResponder()
	conn := mocks.NewConnection()
	require.NoError(t, reg.Store(h0, conn, connection.ReturnValue{}, true))

	require.NoError(t, responder.SendState(h0, []byte("value")))
	push, _ := conn.Last()
	assert.Equal(t, connection.OperationStatusOf(connection.Submitted, h0), push.Value.Status)
	assert.False(t, push.Value.DoWatch)
	assert.False(t, reg.Contains(h0))

	assert.ErrorIs(t, responder.SendState(h0, nil), connection.ErrInvalidConnectionHash)
}

func TestUnknownHash(t *testing.T) {
	_, responder := newResponder()
	assert.ErrorIs(t, responder.UpdateStatusEvent(h0, connection.Ready), connection.ErrInvalidConnectionHash)
	assert.ErrorIs(t, responder.SendStateWithStatus(h0, nil, connection.StatusError()), connection.ErrInvalidConnectionHash)
	assert.ErrorIs(t, responder.UpdateForceWait(h0, true), connection.ErrInvalidConnectionHash)
	assert.ErrorIs(t, responder.UpdateConnectionState(h0, nil, true), connection.ErrInvalidConnectionHash)
}

func TestUpdateForceWaitAndState(t *testing.T) {
	reg, responder := newResponder()
	conn := mocks.NewConnection()
	require.NoError(t, reg.Store(h0, conn, connection.ReturnValue{}, false))

	require.NoError(t, responder.UpdateForceWait(h0, true))
	assert.True(t, reg.IsForceWait(h0))

	require.NoError(t, responder.UpdateConnectionState(h0, []byte("partial"), false))
	e, ok := reg.Withdraw(h0)
	require.True(t, ok)
	assert.False(t, e.ForceWait)
	assert.Equal(t, []byte("partial"), []byte(e.Response.Value))
	assert.Empty(t, conn.Pushes())
}

func TestSendFailureStillReleasesEntry(t *testing.T) {
	reg, responder := newResponder()
	conn := mocks.NewConnection()
	conn.SendFunc = func(connection.Hash, connection.ReturnValue) error { return errors.New("closed") }
	require.NoError(t, reg.Store(h0, conn, connection.ReturnValue{}, false))

	assert.NoError(t, responder.SendStateWithStatus(h0, nil, connection.StatusError()))
	assert.False(t, reg.Contains(h0))
}

func TestWithdrawConnection(t *testing.T) {
	reg := connection.NewRegistry()
	a, b := mocks.NewConnection(), mocks.NewConnection()
	require.NoError(t, reg.Store(h0, a, connection.ReturnValue{}, false))
	require.NoError(t, reg.Store(c1, a, connection.ReturnValue{}, false))
	require.NoError(t, reg.Store(connection.Hash{9}, b, connection.ReturnValue{}, false))

	dropped := reg.WithdrawConnection(a)
	assert.ElementsMatch(t, []connection.Hash{h0, c1}, dropped)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_Concurrent(t *testing.T) {
	reg, responder := newResponder()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := connection.Hash{byte(i)}
			assert.NoError(t, reg.Store(h, mocks.NewConnection(), connection.ReturnValue{}, true))
			assert.NoError(t, responder.UpdateStatusEvent(h, connection.Ready))
			assert.NoError(t, responder.SendState(h, nil))
		}(i)
	}
	wg.Wait()
	assert.Zero(t, reg.Len())
}

func TestReturnValueJSON(t *testing.T) {
	values := []connection.ReturnValue{
		{Value: []byte{0xab}, DoWatch: false, Status: connection.StatusOk()},
		{Value: []byte{}, DoWatch: false, Status: connection.StatusError()},
		{Value: []byte{1}, DoWatch: true, Status: connection.Processing(c1)},
		{Value: []byte{2}, DoWatch: true, Status: connection.OperationStatusOf(connection.TopExecuted, c1)},
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		require.NoError(t, err)

		var decoded connection.ReturnValue
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, v.Status, decoded.Status)
		assert.Equal(t, v.DoWatch, decoded.DoWatch)
	}

	data, err := json.Marshal(values[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"0x01","do_watch":true,"status":{"kind":"processing","hash":"`+c1.String()+`"}}`, string(data))

	var bad connection.DirectRequestStatus
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"processing"}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"operation","operation":"nope","hash":"`+c1.String()+`"}`), &bad))
}
