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
	"strings"
	"time"
)

// buildContext creates the expression evaluation context for %-line
// assignments and [expr] substitutions.
//
// The context contains:
//   - "global": the shared user variables (assignments land here)
//   - bounding box extents of the loaded program (xmin..zmax)
//   - machine position (mposx..mposc) and work position (posx..posc)
//   - the modal group; coolant modes join with newlines so M7 and M8
//     substitute onto separate lines and avoid a modal group violation
//   - the active tool and calendar helpers
//
// Shared variables also surface at the top level so expressions can say
// "_x" instead of "global._x". Extra entries override everything.
func (c *Controller) buildContext(extra map[string]interface{}) map[string]interface{} {
	mpos := c.runner.MachinePosition()
	wpos := c.runner.WorkPosition()
	modal := c.runner.ModalGroup()
	now := c.now()

	ctx := map[string]interface{}{
		"global": c.sharedContext,

		"xmin": c.bounds.XMin,
		"xmax": c.bounds.XMax,
		"ymin": c.bounds.YMin,
		"ymax": c.bounds.YMax,
		"zmin": c.bounds.ZMin,
		"zmax": c.bounds.ZMax,

		"mposx": mpos.X,
		"mposy": mpos.Y,
		"mposz": mpos.Z,
		"mposa": mpos.A,
		"mposb": mpos.B,
		"mposc": mpos.C,

		"posx": wpos.X,
		"posy": wpos.Y,
		"posz": wpos.Z,
		"posa": wpos.A,
		"posb": wpos.B,
		"posc": wpos.C,

		"modal": map[string]interface{}{
			"motion":   modal.Motion,
			"wcs":      modal.WCS,
			"plane":    modal.Plane,
			"units":    modal.Units,
			"distance": modal.Distance,
			"feedrate": modal.Feedrate,
			"path":     modal.Path,
			"spindle":  modal.Spindle,
			"coolant":  strings.Join(modal.Coolant, "\n"),
		},

		"tool": c.runner.Tool(),

		"year":   now.Year(),
		"month":  int(now.Month()),
		"day":    now.Day(),
		"hour":   now.Hour(),
		"minute": now.Minute(),
		"second": now.Second(),
	}

	for k, v := range c.sharedContext {
		if _, exists := ctx[k]; !exists {
			ctx[k] = v
		}
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

// relaxedStatusReportCommand encodes the status-report field selection in
// the firmware's relaxed JSON: no double quotes and "t" for true. The
// strict encoding overflows the firmware's serial input buffer.
func relaxedStatusReportCommand(fields []string) string {
	var b strings.Builder
	b.WriteString("{sr:{")
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f)
		b.WriteString(":t")
	}
	b.WriteString("}}")
	return b.String()
}

// waitHoldReason marks a hold raised by a %wait pseudo-command.
func waitHoldReason() map[string]interface{} {
	return map[string]interface{}{"data": "%wait"}
}

func isWaitHoldReason(reason interface{}) bool {
	m, ok := reason.(map[string]interface{})
	return ok && m["data"] == "%wait"
}

// nowFunc is the default clock of new controllers; tests replace a
// controller's now field instead.
var nowFunc = time.Now
