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

package tinyg

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bhangun/cncd/internal/gcode"
	"github.com/bhangun/cncd/internal/log"
	"github.com/bhangun/cncd/internal/metrics"
	"github.com/bhangun/cncd/pkg/errors"
)

// Override clamps: a feed or spindle override saturates at 5% and 200%.
const (
	overrideMin = 0.05
	overrideMax = 2.0
)

// Command dispatches a named command on the actor loop and waits for its
// result. Unknown names are logged and reported to the caller.
func (c *Controller) Command(name string, args ...interface{}) error {
	errCh := make(chan error, 1)
	if !c.post(func() { errCh <- c.handleCommand(name, args...) }) {
		return errors.New("controller is destroyed")
	}
	return <-errCh
}

// handleCommand runs on the actor loop.
func (c *Controller) handleCommand(name string, args ...interface{}) error {
	log.Trace(c.logger, "command", slog.String(log.CommandKey, name))

	switch name {
	case "sender:load":
		senderName, _ := stringArg(args, 0)
		content, ok := stringArg(args, 1)
		if !ok {
			return &errors.ValidationError{Field: "content", Message: "missing g-code content"}
		}
		return c.cmdSenderLoad(senderName, content, mapArg(args, 2))

	case "sender:unload":
		c.sender.Unload()
		c.senderFinishTime = time.Time{}
		c.bounds = gcode.Box{}
		c.broadcast("sender:unload")
		return nil

	case "sender:start":
		c.trigger.Fire("sender:start")
		c.workflow.Start(nil)
		c.feeder.Reset()
		c.sender.Next()
		return nil

	case "sender:stop":
		c.trigger.Fire("sender:stop")
		c.workflow.Stop(mapArg(args, 0))
		if boolOpt(mapArg(args, 0), "force") {
			c.forceStop()
		}
		c.writeLine(`{"qr":""}`)
		return nil

	case "sender:pause":
		c.trigger.Fire("sender:pause")
		c.workflow.Pause(mapArg(args, 0))
		c.feedhold()
		return nil

	case "sender:resume":
		c.trigger.Fire("sender:resume")
		c.cyclestart()
		c.workflow.Resume(nil)
		return nil

	case "feeder:start":
		if c.workflow.IsRunning() {
			return &errors.ValidationError{Field: "workflow", Message: "a program is running"}
		}
		c.feeder.Unhold()
		c.feeder.Next()
		return nil

	case "feeder:stop":
		c.feeder.Reset()
		return nil

	case "feedhold":
		c.workflow.Pause(nil)
		c.feedhold()
		return nil

	case "cyclestart":
		c.cyclestart()
		c.workflow.Resume(nil)
		return nil

	case "homing":
		c.trigger.Fire("homing")
		c.writeLine("G28.2 X0 Y0 Z0")
		return nil

	case "sleep":
		// not supported by this firmware
		c.logger.Debug("sleep is not supported")
		return nil

	case "unlock":
		c.writeLine("{clear:null}")
		return nil

	case "reset":
		c.workflow.Stop(nil)
		c.feeder.Reset()
		c.writeControl(CharResetBoard)
		return nil

	case "override:feed":
		delta, _ := floatArg(args, 0)
		value := overrideValue(c.runner.Settings().FeedOverride, delta)
		c.writeLine("{mfo:" + formatFloat(value) + "}")
		return nil

	case "override:spindle":
		delta, _ := floatArg(args, 0)
		value := overrideValue(c.runner.Settings().SpindleOverride, delta)
		c.writeLine("{sso:" + formatFloat(value) + "}")
		return nil

	case "override:rapid":
		value, _ := floatArg(args, 0)
		switch value {
		case 0, 100:
			c.writeLine("{mto:1}")
		case 25:
			c.writeLine("{mto:0.25}")
		case 50:
			c.writeLine("{mto:0.5}")
		default:
			c.logger.Warn("ignoring unsupported rapid override",
				slog.String("value", formatFloat(value)))
		}
		return nil

	case "motor:enable":
		if timeout, ok := floatArg(args, 0); ok && timeout > 0 {
			c.writeLine("{mt:" + formatFloat(timeout) + "}")
		}
		// 0 addresses all motors
		c.writeLine("{me:0}")
		return nil

	case "motor:disable":
		c.writeLine("{md:0}")
		return nil

	case "motor:timeout":
		timeout, ok := floatArg(args, 0)
		if !ok {
			return &errors.ValidationError{Field: "timeout", Message: "missing timeout seconds"}
		}
		c.writeLine("{mt:" + formatFloat(timeout) + "}")
		return nil

	case "lasertest":
		power, _ := floatArg(args, 0)
		duration, _ := floatArg(args, 1)
		maxS, ok := floatArg(args, 2)
		if !ok || maxS <= 0 {
			maxS = 1000
		}
		return c.cmdLaserTest(power, duration, maxS)

	case "gcode":
		lines, err := linesArg(args, 0)
		if err != nil {
			return err
		}
		c.feedGcode(lines, mapArg(args, 1))
		return nil

	case "macro:run":
		id, _ := stringArg(args, 0)
		m, err := c.macros.Get(id)
		if err != nil {
			return err
		}
		c.trigger.Fire("macro:run")
		c.feedGcode(gcode.Lines(m.Content), mapArg(args, 1))
		return nil

	case "macro:load":
		id, _ := stringArg(args, 0)
		m, err := c.macros.Get(id)
		if err != nil {
			return err
		}
		c.trigger.Fire("macro:load")
		return c.cmdSenderLoad(m.Name, m.Content, mapArg(args, 1))

	case "watchdir:load":
		path, ok := stringArg(args, 0)
		if !ok {
			return &errors.ValidationError{Field: "path", Message: "missing file path"}
		}
		if c.readFile == nil {
			return &errors.ValidationError{
				Field:      "watch_directory",
				Message:    "no watch directory configured",
				Suggestion: "set watch_directory in settings.yaml",
			}
		}
		content, err := c.readFile(path)
		if err != nil {
			return errors.Wrapf(err, "loading %s", path)
		}
		return c.cmdSenderLoad(path, content, nil)

	default:
		c.logger.Warn("unknown command", slog.String(log.CommandKey, name))
		return &errors.NotFoundError{Resource: "command", ID: name}
	}
}

func (c *Controller) cmdSenderLoad(name, content string, ctx map[string]interface{}) error {
	if err := c.sender.Load(name, content, ctx); err != nil {
		return err
	}
	c.bounds = gcode.Bounds(content)
	c.senderFinishTime = time.Time{}
	c.broadcast("sender:load", map[string]interface{}{
		"name":    name,
		"content": content,
		"context": ctx,
	})
	c.logger.Info("program loaded", slog.String("name", name),
		slog.Int("lines", c.sender.StateSnapshot().Total))
	return nil
}

// forceStop kills the running job. The sequence differs across firmware
// builds; newer builds understand the job-kill control character.
func (c *Controller) forceStop() {
	fb := c.runner.Settings().FirmwareBuild
	switch {
	case fb >= 101:
		c.writeControl(CharKillJob)
	case fb >= 100:
		c.writeControl(CharKillJob)
		c.writeLine("M30")
	default:
		c.writeLine("!")
		c.writeLine("%")
		c.writeLine("M30")
	}
}

func (c *Controller) cmdLaserTest(power, durationMs, maxS float64) error {
	if power <= 0 {
		c.writeLine("M5S0")
		return nil
	}
	s := maxS * power / 100
	if s > maxS {
		s = maxS
	}
	c.writeLine("M3S" + formatFloat(s))
	if durationMs > 0 {
		c.writeLine("G4 P" + formatFloat(durationMs/1000))
		c.writeLine("M5S0")
	}
	return nil
}

// feedhold writes the feedhold control character and pokes for a fresh
// queue report.
func (c *Controller) feedhold() {
	c.writeControl(CharFeedhold)
	c.writeLine(`{"qr":""}`)
	metrics.FeedholdsRaised.Inc()
}

// cyclestart writes the cycle-start control character and pokes for a
// fresh queue report.
func (c *Controller) cyclestart() {
	c.writeControl(CharCycleStart)
	c.writeLine(`{"qr":""}`)
}

// overrideValue computes the next override fraction from the current one
// and a requested percentage delta. A zero delta resets to 100%.
func overrideValue(current, delta float64) float64 {
	if delta == 0 {
		return 1
	}
	value := (current*100 + delta) / 100
	if value < overrideMin {
		value = overrideMin
	}
	if value > overrideMax {
		value = overrideMax
	}
	return value
}

// --- argument helpers ---

func argAt(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func stringArg(args []interface{}, i int) (string, bool) {
	s, ok := argAt(args, i).(string)
	return s, ok
}

func floatArg(args []interface{}, i int) (float64, bool) {
	switch v := argAt(args, i).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func mapArg(args []interface{}, i int) map[string]interface{} {
	m, _ := argAt(args, i).(map[string]interface{})
	return m
}

func boolOpt(opts map[string]interface{}, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

func linesArg(args []interface{}, i int) ([]string, error) {
	switch v := argAt(args, i).(type) {
	case string:
		return gcode.Lines(v), nil
	case []string:
		return v, nil
	case []interface{}:
		lines := make([]string, 0, len(v))
		for _, item := range v {
			lines = append(lines, fmt.Sprintf("%v", item))
		}
		return lines, nil
	}
	return nil, &errors.ValidationError{Field: "lines", Message: "missing g-code lines"}
}
