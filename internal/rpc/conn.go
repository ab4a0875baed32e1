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
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/jsonrpc"
	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
	"github.com/jeremyhahn/go-bitacross/pkg/ratelimit"
)

var (
	errConnClosed   = errors.New("rpc: connection closed")
	errSlowConsumer = errors.New("rpc: send buffer full")
)

// wsConn is one upgraded client. A single writer goroutine owns the socket
// for writes; everything else queues on out.
type wsConn struct {
	ws       *websocket.Conn
	clientIP string
	out      chan *jsonrpc.Response
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func (c *wsConn) enqueue(resp *jsonrpc.Response) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.out <- resp:
		return nil
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

// subscription is the connection.Connection registered for one watched
// request. Pushes reuse the request's JSON-RPC id.
type subscription struct {
	conn          *wsConn
	id            json.RawMessage
	correlationID string
}

func (c *wsConn) subscribe(id json.RawMessage, correlationID string) *subscription {
	sub := &subscription{conn: c, id: id, correlationID: correlationID}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

func (c *wsConn) unsubscribe(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

func (c *wsConn) subscriptions() []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Send implements connection.Connection. It never blocks.
func (s *subscription) Send(_ connection.Hash, value connection.ReturnValue) error {
	resp, err := jsonrpc.NewResult(s.id, value)
	if err != nil {
		return err
	}
	resp.CorrelationID = s.correlationID
	if !value.DoWatch {
		s.conn.unsubscribe(s)
	}
	return s.conn.enqueue(resp)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:       ws,
		clientIP: ratelimit.ClientIP(r),
		out:      make(chan *jsonrpc.Response, s.cfg.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[*subscription]struct{}),
	}
	s.track(c)
	tracker := metrics.NewConnectionTracker(metrics.ProtocolWebSocket)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()
	go func() {
		defer s.wg.Done()
		defer tracker.Close()
		s.readLoop(c)
		s.disconnect(c)
		s.log.Debug("client disconnected",
			logger.String("client", c.clientIP),
			logger.Duration("duration", tracker.Duration()))
	}()
}

func (s *Server) readLoop(c *wsConn) {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	defer c.close()

	pongWait := s.cfg.PingInterval * 2
	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read failed", logger.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.enqueue(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error"))
			continue
		}
		if s.limiter != nil && !s.limiter.Allow(c.clientIP) {
			_ = c.enqueue(jsonrpc.NewError(req.ID, jsonrpc.CodeRateLimited, "Rate limit exceeded"))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if resp := s.handleRequest(c, &req); resp != nil && !req.IsNotification() {
				_ = c.enqueue(resp)
			}
		}()
	}
}

func (s *Server) writeLoop(c *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.ctx.Done():
			return
		case resp := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(resp); err != nil {
				s.log.Debug("websocket write failed", logger.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect drops every hash the client was still watching. Ceremonies
// keep running; their result has nowhere to go.
func (s *Server) disconnect(c *wsConn) {
	s.untrack(c)
	registry := s.ectx.Registry
	for _, sub := range c.subscriptions() {
		for _, h := range registry.WithdrawConnection(sub) {
			s.log.Debug("dropped watched hash", logger.Stringer("hash", h))
		}
	}
}
