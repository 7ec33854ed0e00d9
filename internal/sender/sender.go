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

// Package sender implements the streaming driver for a loaded g-code
// program under send/response flow control: at most one line is in
// flight between a transmission and the matching acknowledgement.
//
// The sender is owned by the controller's event loop and is not safe for
// concurrent use.
package sender

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/bhangun/cncd/internal/gcode"
	"github.com/bhangun/cncd/pkg/errors"
)

// WaitLine is appended to every loaded program so the stream drains the
// planner queue before the program is considered complete.
const WaitLine = "%wait ; Wait for the planner to empty"

var lineNumberRe = regexp.MustCompile(`^[Nn][0-9]+`)

// TransformFunc rewrites a program line before transmission. Returning an
// empty string swallows the line; the sender acknowledges it internally
// and moves on. The transform may raise a hold on the sender.
type TransformFunc func(line string, context map[string]interface{}) string

// Callbacks receive sender lifecycle notifications.
type Callbacks struct {
	// OnData is called with each line ready for transmission.
	OnData func(line string, context map[string]interface{})

	// OnStart is called when the first line of a program is pulled.
	OnStart func(t time.Time)

	// OnEnd is called when the last line has been acknowledged.
	OnEnd func(t time.Time)

	// OnChange is called whenever counters or hold state change.
	OnChange func()

	// OnHold and OnUnhold are called on hold transitions.
	OnHold   func(reason interface{})
	OnUnhold func()
}

// State is a snapshot of the sender for status reporting.
type State struct {
	Name       string      `json:"name"`
	Total      int         `json:"total"`
	Sent       int         `json:"sent"`
	Received   int         `json:"received"`
	Hold       bool        `json:"hold"`
	HoldReason interface{} `json:"holdReason"`
	StartTime  time.Time   `json:"startTime"`
	FinishTime time.Time   `json:"finishTime"`
}

// Sender streams a loaded program one acknowledged line at a time.
type Sender struct {
	name    string
	lines   []string
	context map[string]interface{}

	total    int
	sent     int
	received int

	hold       bool
	holdReason interface{}

	startTime  time.Time
	finishTime time.Time

	transform TransformFunc
	callbacks Callbacks

	now func() time.Time
}

// New creates a sender with the given line transform.
// A nil transform passes lines through unchanged.
func New(transform TransformFunc) *Sender {
	if transform == nil {
		transform = func(line string, _ map[string]interface{}) string { return line }
	}
	return &Sender{transform: transform, now: time.Now}
}

// SetCallbacks registers lifecycle callbacks.
func (s *Sender) SetCallbacks(cb Callbacks) {
	s.callbacks = cb
}

// SetClock overrides the time source. Used by tests.
func (s *Sender) SetClock(now func() time.Time) {
	s.now = now
}

// Load replaces the current program. Content splits on LF or CRLF; a
// trailing %wait line is appended so the planner queue drains before the
// program completes. Empty content is rejected.
func (s *Sender) Load(name, content string, context map[string]interface{}) error {
	if strings.TrimSpace(content) == "" {
		return &errors.ValidationError{
			Field:      "content",
			Message:    "empty g-code program",
			Suggestion: "load a program with at least one line",
		}
	}

	lines := gcode.Lines(content)
	lines = append(lines, WaitLine)

	s.name = name
	s.lines = lines
	s.context = context
	s.total = len(lines)
	s.sent = 0
	s.received = 0
	s.hold = false
	s.holdReason = nil
	s.startTime = time.Time{}
	s.finishTime = time.Time{}
	s.changed()
	return nil
}

// Unload clears the program and counters.
func (s *Sender) Unload() {
	s.name = ""
	s.lines = nil
	s.context = nil
	s.total = 0
	s.sent = 0
	s.received = 0
	s.hold = false
	s.holdReason = nil
	s.startTime = time.Time{}
	s.finishTime = time.Time{}
	s.changed()
}

// Rewind resets the counters so the program streams again from line 0.
// Any hold is cleared.
func (s *Sender) Rewind() {
	s.sent = 0
	s.received = 0
	s.hold = false
	s.holdReason = nil
	s.startTime = time.Time{}
	s.finishTime = time.Time{}
	s.changed()
}

// Next pulls the next program line, transforms it and emits it for
// transmission. Swallowed lines are acknowledged internally. Returns
// false when held, drained or no program is loaded.
func (s *Sender) Next() bool {
	if s.hold || s.sent >= s.total {
		return false
	}

	emitted := false
	for !s.hold && s.sent < s.total {
		raw := s.lines[s.sent]
		n := s.sent + 1
		line := s.transform(raw, s.context)
		s.sent++
		if s.sent == 1 {
			s.startTime = s.now()
			s.finishTime = time.Time{}
			if s.callbacks.OnStart != nil {
				s.callbacks.OnStart(s.startTime)
			}
		}

		line = stripWhitespace(line)
		if line == "" {
			s.ack()
			continue
		}

		line = "N" + strconv.Itoa(n) + lineNumberRe.ReplaceAllString(line, "")
		if s.callbacks.OnData != nil {
			s.callbacks.OnData(line, s.context)
		}
		emitted = true
		break
	}

	s.changed()
	return emitted
}

// Ack records the firmware acknowledgement of the oldest in-flight line.
// Acknowledgements past the send pointer are dropped; local counters are
// ground truth.
func (s *Sender) Ack() {
	if s.received >= s.sent {
		return
	}
	s.ack()
	s.changed()
}

func (s *Sender) ack() {
	s.received++
	if s.received >= s.total && s.total > 0 {
		s.finishTime = s.now()
		if s.callbacks.OnEnd != nil {
			s.callbacks.OnEnd(s.finishTime)
		}
	}
}

// Hold stops transmission. Idempotent; the reason of the first hold wins.
func (s *Sender) Hold(reason interface{}) {
	if s.hold {
		return
	}
	s.hold = true
	s.holdReason = reason
	if s.callbacks.OnHold != nil {
		s.callbacks.OnHold(reason)
	}
	s.changed()
}

// Unhold resumes transmission. Idempotent.
func (s *Sender) Unhold() {
	if !s.hold {
		return
	}
	s.hold = false
	s.holdReason = nil
	if s.callbacks.OnUnhold != nil {
		s.callbacks.OnUnhold()
	}
	s.changed()
}

// IsHeld reports whether the sender is holding.
func (s *Sender) IsHeld() bool {
	return s.hold
}

// HoldReason returns the reason of the current hold, or nil.
func (s *Sender) HoldReason() interface{} {
	return s.holdReason
}

// IsLoaded reports whether a program is loaded.
func (s *Sender) IsLoaded() bool {
	return s.total > 0
}

// LineAt returns the raw source line at the given zero-based index, or
// an empty string when out of range.
func (s *Sender) LineAt(index int) string {
	if index < 0 || index >= len(s.lines) {
		return ""
	}
	return s.lines[index]
}

// Context returns the program context supplied at load time.
func (s *Sender) Context() map[string]interface{} {
	return s.context
}

// StateSnapshot returns the current sender state for status reporting.
func (s *Sender) StateSnapshot() State {
	return State{
		Name:       s.name,
		Total:      s.total,
		Sent:       s.sent,
		Received:   s.received,
		Hold:       s.hold,
		HoldReason: s.holdReason,
		StartTime:  s.startTime,
		FinishTime: s.finishTime,
	}
}

func (s *Sender) changed() {
	if s.callbacks.OnChange != nil {
		s.callbacks.OnChange()
	}
}

func stripWhitespace(line string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, line)
}
