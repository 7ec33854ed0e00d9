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
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/bhangun/cncd/pkg/errors"
)

// readBufferSize matches the largest burst the firmware produces between
// status-report intervals.
const readBufferSize = 4096

// SerialTransport connects to a motion controller over a serial port.
type SerialTransport struct {
	path string
	baud int

	mu      sync.Mutex // guards port and writes
	port    serial.Port
	handler Handler
	open    atomic.Bool
	closing atomic.Bool
	done    chan struct{}
}

// NewSerial creates a serial transport for the given device path and baud rate.
func NewSerial(path string, baudRate int) *SerialTransport {
	return &SerialTransport{path: path, baud: baudRate}
}

// SetHandler registers the event handler. Must be called before Open.
func (t *SerialTransport) SetHandler(h Handler) {
	t.handler = h
}

// Address returns the serial device path.
func (t *SerialTransport) Address() string {
	return t.path
}

// IsOpen reports whether the port is currently open.
func (t *SerialTransport) IsOpen() bool {
	return t.open.Load()
}

// Open opens the serial port in 8N1 mode and starts the read loop.
func (t *SerialTransport) Open(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: t.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.path, mode)
	if err != nil {
		return &errors.TransportError{Port: t.path, Op: "open", Cause: err}
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
	t.closing.Store(false)
	t.open.Store(true)
	t.done = make(chan struct{})

	go t.readLoop(port)
	return nil
}

// Close closes the port. Idempotent; the read loop delivers OnClose.
func (t *SerialTransport) Close() error {
	if !t.open.Load() {
		return nil
	}
	t.closing.Store(true)

	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port != nil {
		if err := port.Close(); err != nil {
			return &errors.TransportError{Port: t.path, Op: "close", Cause: err}
		}
	}
	<-t.done
	return nil
}

// Write sends bytes to the port. Writes are serialized.
func (t *SerialTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil || !t.open.Load() {
		return &errors.TransportError{Port: t.path, Op: "write", Cause: errors.New("port is not open")}
	}
	if _, err := t.port.Write(data); err != nil {
		err = &errors.TransportError{Port: t.path, Op: "write", Cause: err}
		if t.handler.OnError != nil {
			t.handler.OnError(err)
		}
		return err
	}
	return nil
}

func (t *SerialTransport) readLoop(port serial.Port) {
	defer close(t.done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
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
					t.handler.OnClose(&errors.TransportError{Port: t.path, Op: "read", Cause: err})
				}
			}
			return
		}
	}
}
