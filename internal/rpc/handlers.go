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

package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/correlation"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/dispatch"
	"github.com/jeremyhahn/go-bitacross/pkg/enclave"
	"github.com/jeremyhahn/go-bitacross/pkg/handler"
	"github.com/jeremyhahn/go-bitacross/pkg/jsonrpc"
	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
)

// rpcError is a protocol-level failure reported as a JSON-RPC error object.
// Request failures from the enclave travel in the ReturnValue instead.
type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

func invalidParams(format string, args ...any) error {
	return &rpcError{code: jsonrpc.CodeInvalidParams, message: fmt.Sprintf(format, args...)}
}

// handleRequest routes one request. A nil response means the reply, if
// any, is pushed through the connection registry.
func (s *Server) handleRequest(c *wsConn, req *jsonrpc.Request) *jsonrpc.Response {
	if req.JSONRPC != jsonrpc.Version {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "Invalid JSON-RPC version")
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = correlation.NewID()
	}
	ctx := correlation.WithCorrelationID(c.ctx, correlationID)
	start := time.Now()

	var (
		result any
		err    error
	)
	switch req.Method {
	case jsonrpc.MethodSubmitRequest:
		result, err = s.handleSubmit(ctx, c, req, correlationID, false)
	case jsonrpc.MethodSubmitCeremonyRound:
		result, err = s.handleSubmit(ctx, c, req, correlationID, true)
	case jsonrpc.MethodAggregatedPublicKey:
		var key []byte
		key, err = s.ectx.AggregatedPublicKey()
		result = hexutil.Bytes(key)
	case jsonrpc.MethodGetPublicKeys:
		result = s.keys.PublicKeys()
	case jsonrpc.MethodGetShard:
		result = s.ectx.Shard.String()
	case jsonrpc.MethodGetMrenclave:
		result = s.ectx.Mrenclave.String()
	case jsonrpc.MethodHealth:
		result = s.health.Report(ctx)
	default:
		metrics.RecordRPC(req.Method, errMethodNotFound, time.Since(start).Seconds())
		resp := jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found")
		resp.CorrelationID = correlationID
		return resp
	}
	metrics.RecordRPC(req.Method, err, time.Since(start).Seconds())

	if err != nil {
		s.log.Warn("RPC request failed",
			logger.String("method", req.Method),
			logger.String("correlation_id", correlationID),
			logger.Error(err))
		code, message := jsonrpc.CodeInternalError, "Internal error"
		var re *rpcError
		if errors.As(err, &re) {
			code, message = re.code, re.message
		}
		resp := jsonrpc.NewError(req.ID, code, message)
		resp.CorrelationID = correlationID
		return resp
	}
	if result == nil {
		return nil
	}

	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Internal error")
	}
	resp.CorrelationID = correlationID
	return resp
}

var errMethodNotFound = errors.New("method not found")

// handleSubmit hands a signed call to the processor.
//
// A direct call's connection is registered under a provisional hash first.
// If the processor answers Ok or with an error, the final value is sent
// here and the hash released. If it answers Submitted, the processor has
// already re-keyed the connection to the ceremony id, and the result will
// be pushed by the coordinator.
func (s *Server) handleSubmit(ctx context.Context, c *wsConn, req *jsonrpc.Request, correlationID string, round bool) (any, error) {
	params, err := req.StringParams()
	if err != nil || len(params) != 2 {
		return nil, invalidParams("expected [shard, request]")
	}
	shard, err := directcall.ParseShard(params[0])
	if err != nil {
		return nil, invalidParams("invalid shard: %v", err)
	}
	request, err := hexutil.Decode(params[1])
	if err != nil {
		return nil, invalidParams("invalid request: %v", err)
	}

	task := enclave.Task{Request: request, Shard: shard, Round: round}
	var sub *subscription
	if !round {
		task.Hash = provisionalHash(request)
		sub = c.subscribe(req.ID, correlationID)
		initial := connection.ReturnValue{DoWatch: true, Status: connection.Processing(task.Hash)}
		if err := s.ectx.Registry.Store(task.Hash, sub, initial, false); err != nil {
			c.unsubscribe(sub)
			return nil, err
		}
	}

	release := func(value []byte, status connection.DirectRequestStatus) (any, error) {
		final := connection.ReturnValue{Value: value, Status: status}
		if sub == nil {
			return final, nil
		}
		// Sent through the registry so a client that already left is not
		// written to.
		if err := s.ectx.Responder.SendStateWithStatus(task.Hash, value, status); err != nil {
			c.unsubscribe(sub)
		}
		return nil, nil
	}

	pending, err := s.ectx.Submit(ctx, task)
	if err != nil {
		if sub != nil {
			s.ectx.Registry.Withdraw(task.Hash)
			c.unsubscribe(sub)
		}
		if errors.Is(err, dispatch.ErrQueueFull) {
			return nil, &rpcError{code: jsonrpc.CodeServerBusy, message: "Server busy"}
		}
		return nil, err
	}

	result, err := pending.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		s.log.Debug("request failed",
			logger.String("correlation_id", correlationID),
			logger.Error(err))
		return release(handler.CodeOf(err).Bytes(), connection.StatusError())
	}

	switch result.Kind {
	case dispatch.ResultOk:
		return release(result.Value, connection.StatusOk())
	case dispatch.ResultSubmitted:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected result %s", result)
	}
}

// provisionalHash keys a connection until the processor knows what the
// request is. Identical requests get distinct hashes.
func provisionalHash(request []byte) connection.Hash {
	id := uuid.New()
	h, _ := blake2b.New256(nil)
	h.Write(id[:])
	h.Write(request)
	var out connection.Hash
	copy(out[:], h.Sum(nil))
	return out
}
