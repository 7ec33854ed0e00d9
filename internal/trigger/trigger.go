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

// Package trigger maps controller event names to configured actions:
// either a g-code block injected through the feeder or a system command
// run through the shell task runner.
package trigger

import (
	"context"
	"log/slog"

	"github.com/bhangun/cncd/internal/action/shell"
	"github.com/bhangun/cncd/internal/config"
)

// Action types understood by the trigger.
const (
	TypeGcode  = "gcode"
	TypeSystem = "system"
)

// GcodeSink receives the g-code block of a fired gcode trigger.
type GcodeSink func(commands string)

// Trigger dispatches configured event actions.
type Trigger struct {
	actions map[string]config.TriggerSettings
	runner  *shell.Runner
	sink    GcodeSink
	logger  *slog.Logger
}

// New creates a trigger dispatcher. The sink receives g-code actions;
// system actions run through the shell runner in the background.
func New(actions map[string]config.TriggerSettings, runner *shell.Runner, sink GcodeSink, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = shell.New(nil)
	}
	return &Trigger{
		actions: actions,
		runner:  runner,
		sink:    sink,
		logger:  logger,
	}
}

// Has reports whether an action is configured for the event.
func (t *Trigger) Has(event string) bool {
	action, ok := t.actions[event]
	return ok && action.Commands != ""
}

// Fire runs the action configured for the event, if any. System actions
// run asynchronously; g-code actions are handed to the sink synchronously.
func (t *Trigger) Fire(event string) {
	action, ok := t.actions[event]
	if !ok || action.Commands == "" {
		return
	}

	switch action.Type {
	case TypeSystem:
		go func() {
			result, err := t.runner.Run(context.Background(), action.Commands)
			if err != nil {
				t.logger.Error("trigger command failed",
					slog.String("event", event), slog.Any("error", err))
				return
			}
			if result.ExitCode != 0 {
				t.logger.Warn("trigger command exited non-zero",
					slog.String("event", event),
					slog.Int("exit_code", result.ExitCode),
					slog.String("stderr", result.Stderr))
			}
		}()
	case TypeGcode:
		fallthrough
	default:
		if t.sink != nil {
			t.sink(action.Commands)
		}
	}
}
