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

// Package dispatch hands requests from the network goroutines to the single
// serial processor. Each request carries a one-shot reply resolved exactly
// once with Ok(bytes), Submitted(id) or an error.
//
// A Dispatcher is constructed once at startup and passed explicitly to its
// producers and its consumer. A zero Dispatcher (or a nil one) rejects every
// Send with ErrComponentNotInitialized.
package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
)

var (
	// ErrComponentNotInitialized is returned by Send on a dispatcher that was
	// not built with New.
	ErrComponentNotInitialized = errors.New("dispatch: component not initialized")

	// ErrQueueFull is returned when the processor is saturated.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrClosed is returned after Close, and to requests still queued when the
	// processor shuts down.
	ErrClosed = errors.New("dispatch: closed")

	// ErrAlreadyReplied is returned when a request is resolved twice.
	ErrAlreadyReplied = errors.New("dispatch: reply already sent")
)

// ResultKind discriminates Result.
type ResultKind uint8

const (
	// ResultOk carries the final value; nothing else follows.
	ResultOk ResultKind = iota + 1
	// ResultSubmitted means the result will be pushed through the connection
	// registry under ID.
	ResultSubmitted
)

// Result is what the processor replies with.
type Result struct {
	Kind  ResultKind
	Value []byte
	ID    [32]byte
}

func Ok(value []byte) Result {
	return Result{Kind: ResultOk, Value: value}
}

func Submitted(id [32]byte) Result {
	return Result{Kind: ResultSubmitted, ID: id}
}

func (r Result) String() string {
	switch r.Kind {
	case ResultOk:
		return "Ok"
	case ResultSubmitted:
		return "Submitted(0x" + hex.EncodeToString(r.ID[:]) + ")"
	default:
		return "Unknown"
	}
}

type reply struct {
	result Result
	err    error
}

// Request is a queued payload with its one-shot reply.
type Request[T any] struct {
	ctx     context.Context
	payload T
	once    sync.Once
	reply   chan reply
}

func (r *Request[T]) Context() context.Context { return r.ctx }
func (r *Request[T]) Payload() T                { return r.payload }

// Reply resolves the request with a result.
func (r *Request[T]) Reply(result Result) error {
	return r.resolve(reply{result: result})
}

// Fail resolves the request with an error.
func (r *Request[T]) Fail(err error) error {
	return r.resolve(reply{err: err})
}

func (r *Request[T]) resolve(rep reply) error {
	sent := false
	r.once.Do(func() {
		r.reply <- rep
		sent = true
	})
	if !sent {
		return ErrAlreadyReplied
	}
	return nil
}

// Pending is the producer side of a Request.
type Pending struct {
	reply <-chan reply
}

// Wait blocks until the processor replies or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case rep := <-p.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Dispatcher is a bounded many-producer, single-consumer queue.
type Dispatcher[T any] struct {
	mu     sync.RWMutex
	queue  chan *Request[T]
	closed bool
}

// New returns a dispatcher whose queue holds up to size requests.
func New[T any](size int) *Dispatcher[T] {
	if size < 1 {
		size = 1
	}
	return &Dispatcher[T]{queue: make(chan *Request[T], size)}
}

// Send enqueues payload without blocking and returns the pending reply.
func (d *Dispatcher[T]) Send(ctx context.Context, payload T) (*Pending, error) {
	if d == nil {
		return nil, ErrComponentNotInitialized
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.queue == nil {
		return nil, ErrComponentNotInitialized
	}
	if d.closed {
		return nil, ErrClosed
	}

	req := &Request[T]{ctx: ctx, payload: payload, reply: make(chan reply, 1)}
	select {
	case d.queue <- req:
	default:
		return nil, ErrQueueFull
	}
	metrics.SetDispatchQueueDepth(len(d.queue))
	return &Pending{reply: req.reply}, nil
}

// Receive returns the consumer end. It is closed by Close.
func (d *Dispatcher[T]) Receive() <-chan *Request[T] {
	return d.queue
}

// Len returns the number of queued requests.
func (d *Dispatcher[T]) Len() int {
	return len(d.queue)
}

// Close stops accepting requests. Already queued requests remain readable
// from Receive.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil || d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Drain fails every request still queued with err. Call after Close.
func (d *Dispatcher[T]) Drain(err error) int {
	n := 0
	for req := range d.queue {
		_ = req.Fail(err)
		n++
	}
	metrics.SetDispatchQueueDepth(0)
	return n
}
