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

// Package mocks provides a recording connection for tests.
package mocks

import (
	"sync"

	"github.com/jeremyhahn/go-bitacross/pkg/connection"
)

// Push is one response delivered to a Connection.
type Push struct {
	Hash  connection.Hash
	Value connection.ReturnValue
}

// Connection records every pushed response. SendFunc, if set, decides the
// error returned by Send.
type Connection struct {
	SendFunc func(connection.Hash, connection.ReturnValue) error

	mu     sync.Mutex
	pushes []Push
	notify chan Push
}

func NewConnection() *Connection {
	return &Connection{notify: make(chan Push, 64)}
}

func (c *Connection) Send(hash connection.Hash, value connection.ReturnValue) error {
	c.mu.Lock()
	c.pushes = append(c.pushes, Push{Hash: hash, Value: value})
	c.mu.Unlock()

	select {
	case c.notify <- Push{Hash: hash, Value: value}:
	default:
	}
	if c.SendFunc != nil {
		return c.SendFunc(hash, value)
	}
	return nil
}

// Pushes returns a copy of everything sent so far.
func (c *Connection) Pushes() []Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Push(nil), c.pushes...)
}

// Last returns the most recent push.
func (c *Connection) Last() (Push, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pushes) == 0 {
		return Push{}, false
	}
	return c.pushes[len(c.pushes)-1], true
}

// Notify delivers each push as it happens, for tests that wait on
// asynchronous delivery.
func (c *Connection) Notify() <-chan Push {
	return c.notify
}
