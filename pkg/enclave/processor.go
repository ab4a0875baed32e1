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

package enclave

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/dispatch"
	"github.com/jeremyhahn/go-bitacross/pkg/handler"
	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
)

const DefaultSweepInterval = 3 * time.Second

var (
	// ErrProcessorPanic is returned by Run after a handler panicked. The
	// enclave state is no longer trusted and the process should exit.
	ErrProcessorPanic = errors.New("enclave: processor panicked")

	// ErrNotRunning is reported by Healthy while Run is not executing.
	ErrNotRunning = errors.New("enclave: processor not running")
)

// Processor is the single serial loop. It alone touches the coordinator.
type Processor struct {
	ectx    *Context
	sweep   time.Duration
	log     logger.Logger
	now     func() time.Time
	running atomic.Bool
}

func NewProcessor(ectx *Context, sweepInterval time.Duration, log logger.Logger) *Processor {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Processor{
		ectx:  ectx,
		sweep: sweepInterval,
		log:   log.With(logger.String("component", "processor")),
		now:   time.Now,
	}
}

// Healthy reports whether Run is executing.
func (p *Processor) Healthy() error {
	if !p.running.Load() {
		return ErrNotRunning
	}
	return nil
}

// Run processes tasks until ctx is done or the dispatcher is closed. Tasks
// still queued on shutdown fail with dispatch.ErrClosed.
func (p *Processor) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()

	d := p.ectx.Dispatcher
	p.log.Info("processor started", logger.Duration("sweep_interval", p.sweep))
	for {
		select {
		case <-ctx.Done():
			d.Close()
			if n := d.Drain(dispatch.ErrClosed); n > 0 {
				p.log.Warn("dropped queued tasks on shutdown", logger.Int("count", n))
			}
			p.log.Info("processor stopped")
			return nil

		case <-ticker.C:
			if n := p.ectx.Coordinator.Expire(p.now()); n > 0 {
				p.log.Info("expired ceremonies", logger.Int("count", n))
			}

		case req, ok := <-d.Receive():
			if !ok {
				return nil
			}
			metrics.SetDispatchQueueDepth(d.Len())
			if err := p.process(req); err != nil {
				d.Close()
				d.Drain(dispatch.ErrClosed)
				return err
			}
		}
	}
}

func (p *Processor) process(req *dispatch.Request[Task]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while processing task",
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
			_ = req.Fail(handler.NewError(handler.CodeInternal, fmt.Errorf("panic: %v", r)))
			err = ErrProcessorPanic
		}
	}()

	if ctxErr := req.Context().Err(); ctxErr != nil {
		_ = req.Fail(ctxErr)
		return nil
	}

	result, herr := p.handle(req.Payload())
	if herr != nil {
		p.log.Debug("task rejected", logger.Error(herr))
		_ = req.Fail(herr)
		return nil
	}
	_ = req.Reply(result)
	return nil
}

func (p *Processor) handle(task Task) (dispatch.Result, error) {
	signed, err := directcall.DecodeSigned(task.Request)
	if err != nil {
		return dispatch.Result{}, handler.NewError(handler.CodeInvalidPayload, err)
	}
	if task.Shard != p.ectx.Shard {
		return dispatch.Result{}, handler.NewError(handler.CodeInvalidPayload, ErrUnknownShard)
	}
	if !directcall.VerifySignature(signed, p.ectx.Mrenclave, p.ectx.Shard) {
		return dispatch.Result{}, handler.ErrInvalidSignature
	}

	var aesKey [32]byte
	if task.Round {
		_, err = signed.Round()
	} else {
		var direct directcall.DirectCall
		direct, err = signed.Direct()
		if err == nil {
			aesKey = direct.AESKey()
		}
	}
	if err != nil {
		return dispatch.Result{}, handler.NewError(handler.CodeInvalidPayload, err)
	}

	kind := signed.Call.Kind().String()
	out, err := handler.Handle(signed.Call, p.ectx.Dependencies())
	metrics.RecordCall(kind, err)
	if err != nil {
		return dispatch.Result{}, err
	}

	if out.Command == nil {
		sealed, err := directcall.Seal(aesKey, out.Signature, nil)
		if err != nil {
			return dispatch.Result{}, handler.NewError(handler.CodeSigningError, err)
		}
		value, err := sealed.Encode()
		if err != nil {
			return dispatch.Result{}, handler.NewError(handler.CodeInternal, err)
		}
		return dispatch.Ok(value), nil
	}
	return p.command(*out.Command, task.Hash)
}

func (p *Processor) command(cmd handler.Command, provisional connection.Hash) (dispatch.Result, error) {
	coord := p.ectx.Coordinator
	var err error
	switch cmd.Kind {
	case handler.CommandInit:
		return p.init(cmd, provisional)
	case handler.CommandNonce:
		err = coord.OnNonceShare(cmd)
	case handler.CommandPartialSignature:
		err = coord.OnPartialSignature(cmd)
	case handler.CommandKill:
		err = coord.OnKill(cmd)
	default:
		return dispatch.Result{}, handler.NewError(handler.CodeInternal, fmt.Errorf("unknown command %s", cmd.Kind))
	}
	if err != nil {
		p.log.Debug("round call rejected",
			logger.Stringer("ceremony_id", cmd.ID),
			logger.Stringer("contributor", cmd.Contributor),
			logger.Stringer("kind", cmd.Kind),
			logger.Error(err))
		return dispatch.Result{}, handler.NewError(handler.CodeCeremonyRejected, err)
	}
	return dispatch.Ok(nil), nil
}

// init attaches the client to the ceremony, then re-keys its connection to
// the ceremony id and acknowledges it. All three steps run before any
// further contribution, so the result cannot overtake them.
func (p *Processor) init(cmd handler.Command, provisional connection.Hash) (dispatch.Result, error) {
	id := connection.Hash(cmd.ID)
	if p.ectx.Registry.Contains(id) {
		return dispatch.Result{}, handler.NewError(handler.CodeCeremonyInProgress, nil)
	}
	if err := p.ectx.Coordinator.Init(cmd); err != nil {
		return dispatch.Result{}, err
	}

	log := p.log.With(logger.Stringer("ceremony_id", cmd.ID))
	if err := p.ectx.Responder.SwapHash(provisional, id); err != nil {
		log.Warn("client connection gone before ceremony was submitted", logger.Error(err))
	} else if err := p.ectx.Responder.UpdateProcessing(id); err != nil {
		log.Warn("failed to acknowledge ceremony", logger.Error(err))
	}
	return dispatch.Submitted(cmd.ID), nil
}
