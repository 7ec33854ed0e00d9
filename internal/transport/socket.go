// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bhangun/cncd/pkg/errors"
)

// SocketTransport connects to a motion controller over a raw TCP socket
// (e.g. a serial-to-ethernet bridge).
type SocketTransport struct {
	addr string

	mu      sync.Mutex // guards conn and writes
	conn    net.Conn
	handler Handler
	open    atomic.Bool
	closing atomic.Bool
	done    chan struct{}
}

// NewSocket creates a TCP socket transport for the given host:port address.
func NewSocket(addr string) *SocketTransport {
	return &SocketTransport{addr: addr}
}

// SetHandler registers the event handler. Must be called before Open.
func (t *SocketTransport) SetHandler(h Handler) {
	t.handler = h
}

// Address returns the TCP address.
func (t *SocketTransport) Address() string {
	return t.addr
}

// IsOpen reports whether the connection is currently established.
func (t *SocketTransport) IsOpen() bool {
	return t.open.Load()
}

// Open dials the TCP address and starts the read loop.
func (t *SocketTransport) Open(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return &errors.TransportError{Port: t.addr, Op: "open", Cause: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.closing.Store(false)
	t.open.Store(true)
	t.done = make(chan struct{})

	go t.readLoop(conn)
	return nil
}

// Close closes the connection. Idempotent; the read loop delivers OnClose.
func (t *SocketTransport) Close() error {
	if !t.open.Load() {
		return nil
	}
	t.closing.Store(true)

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			return &errors.TransportError{Port: t.addr, Op: "close", Cause: err}
		}
	}
	<-t.done
	return nil
}

// Write sends bytes to the socket. Writes are serialized.
func (t *SocketTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.open.Load() {
		return &errors.TransportError{Port: t.addr, Op: "write", Cause: errors.New("socket is not open")}
	}
	if _, err := t.conn.Write(data); err != nil {
		err = &errors.TransportError{Port: t.addr, Op: "write", Cause: err}
		if t.handler.OnError != nil {
			t.handler.OnError(err)
		}
		return err
	}
	return nil
}

func (t *SocketTransport) readLoop(conn net.Conn) {
	defer close(t.done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 && t.handler.OnData != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.handler.OnData(data)
		}
		if err != nil {
			t.open.Store(false)
			if t.handler.OnClose != nil {
				if t.closing.Load() {
					t.handler.OnClose(nil)
				} else {
					t.handler.OnClose(&errors.TransportError{Port: t.addr, Op: "read", Cause: err})
				}
			}
			return
		}
	}
}
