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
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/bhangun/cncd/internal/metrics"
)

// Position is a six-axis machine or work coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
}

// ModalGroup mirrors the active g-code modes.
type ModalGroup struct {
	Motion      string   `json:"motion"`
	WCS         string   `json:"wcs"`
	Plane       string   `json:"plane"`
	Units       string   `json:"units"`
	Distance    string   `json:"distance"`
	ArcDistance string   `json:"arcdistance"`
	Feedrate    string   `json:"feedrate"`
	Path        string   `json:"path"`
	Spindle     string   `json:"spindle"`
	Coolant     []string `json:"coolant"`
}

// Footer is the response footer array: [revision, status code, buffer info].
type Footer struct {
	Revision   int `json:"revision"`
	StatusCode int `json:"statusCode"`
	BufferInfo int `json:"bufferInfo"`
}

// Response is an acknowledgement frame body.
type Response struct {
	// N is the echoed line number when present (jv=4).
	N    int
	HasN bool

	// Payload is the raw response body.
	Payload map[string]interface{}
}

// State mirrors the machine state derived from status reports.
type State struct {
	MachineState    int        `json:"machineState"`
	MachinePosition Position   `json:"mpos"`
	WorkPosition    Position   `json:"wpos"`
	Modal           ModalGroup `json:"modal"`
	Tool            int        `json:"tool"`
	Velocity        float64    `json:"velocity"`
	Feedrate        float64    `json:"feedrate"`
	Line            int        `json:"line"`
	Footer          Footer     `json:"footer"`
}

// Settings mirrors firmware identity and override settings.
type Settings struct {
	FirmwareBuild    float64 `json:"fb"`
	FirmwareVersion  float64 `json:"fv"`
	HardwarePlatform float64 `json:"hp"`
	FeedOverride     float64 `json:"mfo"`
	RapidOverride    float64 `json:"mto"`
	SpindleOverride  float64 `json:"sso"`
	MotorTimeout     float64 `json:"mt"`
}

// StatusReportMask tracks which status-report fields the firmware
// supports. Bits clear when a capability probe answers null.
type StatusReportMask struct {
	fields  []string
	enabled map[string]bool
}

func newStatusReportMask() *StatusReportMask {
	enabled := make(map[string]bool, len(defaultStatusReportFields))
	for _, f := range defaultStatusReportFields {
		enabled[f] = true
	}
	return &StatusReportMask{
		fields:  defaultStatusReportFields,
		enabled: enabled,
	}
}

// Clear disables a field. Unknown fields are ignored.
func (m *StatusReportMask) Clear(field string) {
	if _, ok := m.enabled[field]; ok {
		m.enabled[field] = false
	}
}

// Enabled reports whether the field is still selected.
func (m *StatusReportMask) Enabled(field string) bool {
	return m.enabled[field]
}

// EnabledFields returns the selected fields in canonical order.
func (m *StatusReportMask) EnabledFields() []string {
	out := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		if m.enabled[f] {
			out = append(out, f)
		}
	}
	return out
}

// Callbacks receive decoded frames. The controller registers direct
// handlers; there is no event bus.
type Callbacks struct {
	OnResponse         func(r Response)
	OnQueueReport      func(qr int)
	OnStatusReport     func(sr map[string]interface{})
	OnFirmwareBuild    func(fb float64)
	OnHardwarePlatform func(hp float64)
	OnFooter           func(f Footer)
	OnRaw              func(line string)
}

// Runner assembles transport bytes into line-delimited JSON frames,
// classifies them and maintains the mirrored machine state.
type Runner struct {
	buf []byte

	state    State
	settings Settings
	mask     *StatusReportMask

	plannerBufferPoolSize int
	lastQr                int

	// raw spindle/coolant bits from the last status report
	spindleEnable    int
	spindleDirection int
	coolantMist      int
	coolantFlood     int

	callbacks Callbacks
	logger    *slog.Logger
}

// NewRunner creates a frame decoder with default settings.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		mask: newStatusReportMask(),
		settings: Settings{
			FeedOverride:    1,
			RapidOverride:   1,
			SpindleOverride: 1,
		},
		plannerBufferPoolSize: DefaultPlannerBufferPoolSize,
		logger:                logger,
	}
}

// SetCallbacks registers frame handlers.
func (r *Runner) SetCallbacks(cb Callbacks) {
	r.callbacks = cb
}

// Feed consumes raw transport bytes, emitting a callback per complete line.
func (r *Runner) Feed(data []byte) {
	r.buf = append(r.buf, data...)
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			return
		}
		line := string(bytes.TrimRight(r.buf[:i], "\r"))
		r.buf = r.buf[i+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		r.decodeLine(line)
	}
}

// State returns a copy of the mirrored machine state.
func (r *Runner) State() State {
	return r.state
}

// Settings returns a copy of the mirrored firmware settings.
func (r *Runner) Settings() Settings {
	return r.settings
}

// Mask returns the status-report field mask.
func (r *Runner) Mask() *StatusReportMask {
	return r.mask
}

// MachinePosition returns the last reported machine position.
func (r *Runner) MachinePosition() Position {
	return r.state.MachinePosition
}

// WorkPosition returns the last reported work position.
func (r *Runner) WorkPosition() Position {
	return r.state.WorkPosition
}

// ModalGroup returns the active modal group.
func (r *Runner) ModalGroup() ModalGroup {
	return r.state.Modal
}

// Tool returns the active tool number.
func (r *Runner) Tool() int {
	return r.state.Tool
}

// PlannerBufferPoolSize is the total number of planner slots, derived
// from the largest free count the firmware has reported.
func (r *Runner) PlannerBufferPoolSize() int {
	return r.plannerBufferPoolSize
}

// LastQueueReport returns the most recent free-slot count.
func (r *Runner) LastQueueReport() int {
	return r.lastQr
}

// IsAlarm reports whether the machine is in a fault state that inhibits
// motion.
func (r *Runner) IsAlarm() bool {
	switch r.state.MachineState {
	case MachineStateAlarm, MachineStateShutdown, MachineStatePanic:
		return true
	}
	return false
}

// IsIdle reports whether the machine has come to rest.
func (r *Runner) IsIdle() bool {
	switch r.state.MachineState {
	case MachineStateReady, MachineStateStop, MachineStateEnd:
		return true
	}
	return false
}

func (r *Runner) decodeLine(line string) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		metrics.FramesDecoded.WithLabelValues("raw").Inc()
		if r.callbacks.OnRaw != nil {
			r.callbacks.OnRaw(line)
		}
		return
	}

	handled := false

	if rv, ok := obj["r"]; ok {
		payload, _ := rv.(map[string]interface{})
		r.handleResponse(payload)
		handled = true
	}
	if fv, ok := obj["f"]; ok {
		r.handleFooter(fv)
		handled = true
	}
	if qv, ok := obj["qr"]; ok {
		if q, isNum := asInt(qv); isNum {
			r.handleQueueReport(q)
			handled = true
		}
	}
	if sv, ok := obj["sr"]; ok {
		if sr, isMap := sv.(map[string]interface{}); isMap {
			r.handleStatusReport(sr)
			handled = true
		}
	}
	if fb, ok := obj["fb"]; ok {
		if v, isNum := asFloat(fb); isNum {
			r.handleFirmwareBuild(v)
			handled = true
		}
	}
	if hp, ok := obj["hp"]; ok {
		if v, isNum := asFloat(hp); isNum {
			r.handleHardwarePlatform(v)
			handled = true
		}
	}

	if !handled {
		metrics.FramesDecoded.WithLabelValues("raw").Inc()
		if r.callbacks.OnRaw != nil {
			r.callbacks.OnRaw(line)
		}
	}
}

func (r *Runner) handleResponse(payload map[string]interface{}) {
	metrics.FramesDecoded.WithLabelValues("r").Inc()

	resp := Response{Payload: payload}
	for key, value := range payload {
		// A probed capability answered null is unsupported; drop it
		// from the status-report selection.
		if value == nil {
			r.mask.Clear(key)
			continue
		}
		switch key {
		case "n":
			if n, ok := asInt(value); ok {
				resp.N = n
				resp.HasN = true
			}
		case "fb":
			if v, ok := asFloat(value); ok {
				r.settings.FirmwareBuild = v
			}
		case "fv":
			if v, ok := asFloat(value); ok {
				r.settings.FirmwareVersion = v
			}
		case "hp":
			if v, ok := asFloat(value); ok {
				r.settings.HardwarePlatform = v
			}
		case "mfo":
			if v, ok := asFloat(value); ok {
				r.settings.FeedOverride = v
			}
		case "mto":
			if v, ok := asFloat(value); ok {
				r.settings.RapidOverride = v
			}
		case "sso":
			if v, ok := asFloat(value); ok {
				r.settings.SpindleOverride = v
			}
		case "mt":
			if v, ok := asFloat(value); ok {
				r.settings.MotorTimeout = v
			}
		case "sys":
			if sys, ok := value.(map[string]interface{}); ok {
				r.handleSystemGroup(sys)
			}
		case "sr":
			if sr, ok := value.(map[string]interface{}); ok {
				r.handleStatusReport(sr)
			}
		case "qr":
			if q, ok := asInt(value); ok {
				r.handleQueueReport(q)
			}
		}
	}

	if r.callbacks.OnResponse != nil {
		r.callbacks.OnResponse(resp)
	}
}

func (r *Runner) handleSystemGroup(sys map[string]interface{}) {
	for key, value := range sys {
		v, ok := asFloat(value)
		if !ok {
			continue
		}
		switch key {
		case "fb":
			r.settings.FirmwareBuild = v
		case "fv":
			r.settings.FirmwareVersion = v
		case "hp":
			r.settings.HardwarePlatform = v
		case "mfo":
			r.settings.FeedOverride = v
		case "mto":
			r.settings.RapidOverride = v
		case "sso":
			r.settings.SpindleOverride = v
		case "mt":
			r.settings.MotorTimeout = v
		}
	}
}

func (r *Runner) handleFooter(value interface{}) {
	arr, ok := value.([]interface{})
	if !ok || len(arr) < 2 {
		return
	}
	metrics.FramesDecoded.WithLabelValues("f").Inc()

	var footer Footer
	if v, ok := asInt(arr[0]); ok {
		footer.Revision = v
	}
	if v, ok := asInt(arr[1]); ok {
		footer.StatusCode = v
	}
	if len(arr) > 2 {
		if v, ok := asInt(arr[2]); ok {
			footer.BufferInfo = v
		}
	}
	r.state.Footer = footer
	if footer.StatusCode != 0 {
		metrics.FirmwareErrors.Inc()
	}
	if r.callbacks.OnFooter != nil {
		r.callbacks.OnFooter(footer)
	}
}

func (r *Runner) handleQueueReport(q int) {
	metrics.FramesDecoded.WithLabelValues("qr").Inc()
	r.lastQr = q
	if q > r.plannerBufferPoolSize {
		r.plannerBufferPoolSize = q
	}
	if r.callbacks.OnQueueReport != nil {
		r.callbacks.OnQueueReport(q)
	}
}

func (r *Runner) handleStatusReport(sr map[string]interface{}) {
	metrics.FramesDecoded.WithLabelValues("sr").Inc()

	for key, value := range sr {
		switch key {
		case "stat":
			if v, ok := asInt(value); ok {
				r.state.MachineState = v
			}
		case "line":
			if v, ok := asInt(value); ok {
				r.state.Line = v
			}
		case "vel":
			if v, ok := asFloat(value); ok {
				r.state.Velocity = v
			}
		case "feed":
			if v, ok := asFloat(value); ok {
				r.state.Feedrate = v
			}
		case "tool":
			if v, ok := asInt(value); ok {
				r.state.Tool = v
			}
		case "momo":
			r.setModal(&r.state.Modal.Motion, motionModes, value)
		case "coor":
			r.setModal(&r.state.Modal.WCS, wcsModes, value)
		case "plan":
			r.setModal(&r.state.Modal.Plane, planeModes, value)
		case "unit":
			r.setModal(&r.state.Modal.Units, unitsModes, value)
		case "dist":
			r.setModal(&r.state.Modal.Distance, distanceModes, value)
		case "admo":
			r.setModal(&r.state.Modal.ArcDistance, arcDistanceModes, value)
		case "frmo":
			r.setModal(&r.state.Modal.Feedrate, feedrateModes, value)
		case "path":
			r.setModal(&r.state.Modal.Path, pathControlModes, value)
		case "posx", "posy", "posz", "posa", "posb", "posc":
			r.setAxis(&r.state.WorkPosition, key[3], value)
		case "mpox", "mpoy", "mpoz", "mpoa", "mpob", "mpoc":
			r.setAxis(&r.state.MachinePosition, key[3], value)
		case "spe":
			if v, ok := asInt(value); ok {
				r.spindleEnable = v
			}
		case "spd":
			if v, ok := asInt(value); ok {
				r.spindleDirection = v
			}
		case "com":
			if v, ok := asInt(value); ok {
				r.coolantMist = v
			}
		case "cof":
			if v, ok := asInt(value); ok {
				r.coolantFlood = v
			}
		}
	}

	r.state.Modal.Spindle = r.spindleModal()
	r.state.Modal.Coolant = r.coolantModal()

	if r.callbacks.OnStatusReport != nil {
		r.callbacks.OnStatusReport(sr)
	}
}

func (r *Runner) handleFirmwareBuild(fb float64) {
	metrics.FramesDecoded.WithLabelValues("fb").Inc()
	r.settings.FirmwareBuild = fb
	if r.callbacks.OnFirmwareBuild != nil {
		r.callbacks.OnFirmwareBuild(fb)
	}
}

func (r *Runner) handleHardwarePlatform(hp float64) {
	metrics.FramesDecoded.WithLabelValues("hp").Inc()
	r.settings.HardwarePlatform = hp
	if r.callbacks.OnHardwarePlatform != nil {
		r.callbacks.OnHardwarePlatform(hp)
	}
}

func (r *Runner) setModal(target *string, table map[int]string, value interface{}) {
	if v, ok := asInt(value); ok {
		if mode, known := table[v]; known {
			*target = mode
		}
	}
}

func (r *Runner) setAxis(pos *Position, axis byte, value interface{}) {
	v, ok := asFloat(value)
	if !ok {
		return
	}
	switch axis {
	case 'x':
		pos.X = v
	case 'y':
		pos.Y = v
	case 'z':
		pos.Z = v
	case 'a':
		pos.A = v
	case 'b':
		pos.B = v
	case 'c':
		pos.C = v
	}
}

func (r *Runner) spindleModal() string {
	if r.spindleEnable == 0 {
		return "M5"
	}
	if r.spindleDirection != 0 {
		return "M4"
	}
	return "M3"
}

func (r *Runner) coolantModal() []string {
	var coolant []string
	if r.coolantMist != 0 {
		coolant = append(coolant, "M7")
	}
	if r.coolantFlood != 0 {
		coolant = append(coolant, "M8")
	}
	if coolant == nil {
		coolant = []string{"M9"}
	}
	return coolant
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt(v interface{}) (int, bool) {
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
