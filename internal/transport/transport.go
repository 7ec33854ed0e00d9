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

// Package transport provides the byte-duplex connection to the motion
// controller. Two implementations exist: a serial port and a raw TCP socket.
//
// A Transport delivers inbound bytes and terminal conditions through a
// Handler registered before Open. Close delivery is terminal: after OnClose
// fires no further callbacks are invoked.
package transport

import "context"

// Handler receives transport events. OnData and OnClose are invoked from
// the transport's read goroutine, one at a time; OnError is invoked from
// the goroutine whose Write failed.
type Handler struct {
	// OnData is called with each chunk of bytes read from the device.
	OnData func(data []byte)

	// OnClose is called exactly once when the connection ends.
	// err is nil on a clean local close.
	OnClose func(err error)

	// OnError is called for non-terminal faults (e.g. a failed write).
	OnError func(err error)
}

// Transport is a byte-duplex connection to a motion controller.
// Implementations serialize writes internally; Write is safe to call from
// any goroutine while the transport is open.
type Transport interface {
	// Open establishes the connection and starts the read loop.
	Open(ctx context.Context) error

	// Close tears down the connection. The read loop stops and OnClose
	// fires with a nil error. Close is idempotent.
	Close() error

	// Write sends bytes to the device.
	Write(data []byte) error

	// IsOpen reports whether the connection is currently established.
	IsOpen() bool

	// Address returns the serial device path or network address.
	Address() string

	// SetHandler registers the event handler. Must be called before Open.
	SetHandler(h Handler)
}
