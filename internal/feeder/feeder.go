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

// Package feeder implements the unbounded FIFO for manual and ad-hoc
// g-code commands. One line is pulled per Next call; a hold stops the
// flow until released.
//
// The feeder is owned by the controller's event loop and is not safe for
// concurrent use.
package feeder

import "strings"

// TransformFunc rewrites a queued line before it is emitted. Returning an
// empty string swallows the line (nothing is transmitted). The transform
// may raise a hold on the feeder; the transformed line is still emitted
// and the hold takes effect on the following Next.
type TransformFunc func(line string, context map[string]interface{}) string

// Callbacks receive feeder lifecycle notifications.
type Callbacks struct {
	// OnData is called with each line ready for transmission.
	OnData func(line string, context map[string]interface{})

	// OnChange is called whenever the queue or hold state changes.
	OnChange func()

	// OnHold and OnUnhold are called on hold transitions.
	OnHold   func(reason interface{})
	OnUnhold func()
}

type item struct {
	line    string
	context map[string]interface{}
}

// State is a snapshot of the feeder for status reporting.
type State struct {
	Hold       bool        `json:"hold"`
	HoldReason interface{} `json:"holdReason"`
	Queue      int         `json:"queue"`
	Pending    bool        `json:"pending"`
}

// Feeder is the manual-command FIFO.
type Feeder struct {
	queue      []item
	pending    bool
	hold       bool
	holdReason interface{}

	transform TransformFunc
	callbacks Callbacks
}

// New creates a feeder with the given line transform.
// A nil transform passes lines through unchanged.
func New(transform TransformFunc) *Feeder {
	if transform == nil {
		transform = func(line string, _ map[string]interface{}) string { return line }
	}
	return &Feeder{transform: transform}
}

// SetCallbacks registers lifecycle callbacks.
func (f *Feeder) SetCallbacks(cb Callbacks) {
	f.callbacks = cb
}

// Feed appends lines to the queue. The context is shared by all lines of
// one call.
func (f *Feeder) Feed(lines []string, context map[string]interface{}) {
	for _, line := range lines {
		f.queue = append(f.queue, item{line: line, context: context})
	}
	f.pending = len(f.queue) > 0
	f.changed()
}

// Next pulls queued lines until one produces output, emits it and
// returns true. Returns false when held or drained.
func (f *Feeder) Next() bool {
	if len(f.queue) == 0 {
		f.pending = false
		return false
	}
	if f.hold {
		return false
	}

	emitted := false
	for len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		line := f.transform(next.line, next.context)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if f.callbacks.OnData != nil {
			f.callbacks.OnData(line, next.context)
		}
		emitted = true
		break
	}

	f.pending = len(f.queue) > 0
	f.changed()
	return emitted
}

// Peek reports whether there is pending work without consuming it.
func (f *Feeder) Peek() bool {
	return len(f.queue) > 0
}

// Size returns the number of queued lines.
func (f *Feeder) Size() int {
	return len(f.queue)
}

// Hold stops emission. Idempotent; the reason of the first hold wins.
func (f *Feeder) Hold(reason interface{}) {
	if f.hold {
		return
	}
	f.hold = true
	f.holdReason = reason
	if f.callbacks.OnHold != nil {
		f.callbacks.OnHold(reason)
	}
	f.changed()
}

// Unhold resumes emission. Idempotent.
func (f *Feeder) Unhold() {
	if !f.hold {
		return
	}
	f.hold = false
	f.holdReason = nil
	if f.callbacks.OnUnhold != nil {
		f.callbacks.OnUnhold()
	}
	f.changed()
}

// IsHeld reports whether the feeder is holding.
func (f *Feeder) IsHeld() bool {
	return f.hold
}

// HoldReason returns the reason of the current hold, or nil.
func (f *Feeder) HoldReason() interface{} {
	return f.holdReason
}

// Reset drains the queue and clears any hold.
func (f *Feeder) Reset() {
	f.queue = nil
	f.pending = false
	f.hold = false
	f.holdReason = nil
	f.changed()
}

// StateSnapshot returns the current feeder state for status reporting.
func (f *Feeder) StateSnapshot() State {
	return State{
		Hold:       f.hold,
		HoldReason: f.holdReason,
		Queue:      len(f.queue),
		Pending:    f.pending,
	}
}

func (f *Feeder) changed() {
	if f.callbacks.OnChange != nil {
		f.callbacks.OnChange()
	}
}
