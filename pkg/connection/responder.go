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
	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
)

// Responder pushes responses to registered connections.
//
// Send failures are logged and do not restore the entry; the ceremony state
// that produced the push is never rolled back.
type Responder struct {
	registry *Registry
	log      logger.Logger
}

func NewResponder(registry *Registry, log logger.Logger) *Responder {
	if log == nil {
		log = logger.Discard()
	}
	return &Responder{
		registry: registry,
		log:      log.With(logger.String("component", "responder")),
	}
}

// Registry returns the underlying registry.
func (r *Responder) Registry() *Registry {
	return r.registry
}

// UpdateStatusEvent pushes an operation status. The entry stays registered if
// the status keeps watching or the connection is force-wait.
func (r *Responder) UpdateStatusEvent(hash Hash, status OperationStatus) error {
	e, ok := r.registry.Withdraw(hash)
	if !ok {
		return r.invalid("update_status_event", hash)
	}

	doWatch := status.ContinueWatching() || e.ForceWait
	e.Response.Status = OperationStatusOf(status, hash)
	e.Response.DoWatch = doWatch

	r.send(hash, e)
	if doWatch {
		return r.registry.Store(hash, e.Conn, e.Response, e.ForceWait)
	}
	return nil
}

// UpdateProcessing tells the client the request was accepted and its result
// will follow under hash. The entry stays registered.
func (r *Responder) UpdateProcessing(hash Hash) error {
	e, ok := r.registry.Withdraw(hash)
	if !ok {
		return r.invalid("update_processing", hash)
	}
	e.Response.Status = Processing(hash)
	e.Response.DoWatch = true
	r.send(hash, e)
	return r.registry.Store(hash, e.Conn, e.Response, e.ForceWait)
}

// SendState pushes a final value under the Submitted status and releases the
// entry.
func (r *Responder) SendState(hash Hash, value []byte) error {
	return r.SendStateWithStatus(hash, value, OperationStatusOf(Submitted, hash))
}

// SendStateWithStatus pushes a final value with the given status and releases
// the entry.
func (r *Responder) SendStateWithStatus(hash Hash, value []byte, status DirectRequestStatus) error {
	e, ok := r.registry.Withdraw(hash)
	if !ok {
		return r.invalid("send_state", hash)
	}
	e.Response = ReturnValue{Value: value, DoWatch: false, Status: status}
	r.send(hash, e)
	return nil
}

// UpdateForceWait changes the force-wait flag without pushing anything. No
// handler sets it today; WebSocket clients stay attached through DoWatch.
func (r *Responder) UpdateForceWait(hash Hash, forceWait bool) error {
	e, ok := r.registry.Withdraw(hash)
	if !ok {
		return r.invalid("update_force_wait", hash)
	}
	return r.registry.Store(hash, e.Conn, e.Response, forceWait)
}

// UpdateConnectionState replaces the stored response value and force-wait flag
// without pushing anything.
func (r *Responder) UpdateConnectionState(hash Hash, value []byte, forceWait bool) error {
	e, ok := r.registry.Withdraw(hash)
	if !ok {
		return r.invalid("update_connection_state", hash)
	}
	e.Response.Value = value
	return r.registry.Store(hash, e.Conn, e.Response, forceWait)
}

// SwapHash re-keys a live entry. Force-wait and the last response move with it.
func (r *Responder) SwapHash(from, to Hash) error {
	if err := r.registry.Swap(from, to); err != nil {
		r.log.Warn("swap hash failed",
			logger.Stringer("from", from),
			logger.Stringer("to", to),
			logger.Error(err))
		return err
	}
	r.log.Debug("swapped hash", logger.Stringer("from", from), logger.Stringer("to", to))
	return nil
}

func (r *Responder) send(hash Hash, e Entry) {
	if err := e.Conn.Send(hash, e.Response); err != nil {
		r.log.Warn("failed to push response",
			logger.Stringer("hash", hash),
			logger.Stringer("status", e.Response.Status.Kind),
			logger.Error(err))
	}
}

func (r *Responder) invalid(op string, hash Hash) error {
	r.log.Error("no connection registered for hash",
		logger.String("op", op),
		logger.Stringer("hash", hash))
	return ErrInvalidConnectionHash
}
