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

// Package tinyg drives TinyG and g2core motion-controller firmware over
// a serial or socket transport.
//
// The controller is an actor: one goroutine owns all mutable state and
// consumes a mailbox of closures. Transport bytes, query-timer ticks and
// client command dispatches are posted to the mailbox, so no locking is
// needed over controller state and the flow-control invariants hold
// without fine-grained synchronization.
package tinyg

import (
	"context"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bhangun/cncd/internal/action/shell"
	"github.com/bhangun/cncd/internal/config"
	"github.com/bhangun/cncd/internal/expression"
	"github.com/bhangun/cncd/internal/feeder"
	"github.com/bhangun/cncd/internal/gcode"
	"github.com/bhangun/cncd/internal/log"
	"github.com/bhangun/cncd/internal/macro"
	"github.com/bhangun/cncd/internal/metrics"
	"github.com/bhangun/cncd/internal/sender"
	"github.com/bhangun/cncd/internal/transport"
	"github.com/bhangun/cncd/internal/trigger"
	"github.com/bhangun/cncd/internal/workflow"
)

// queryInterval is the period of the state-diff timer.
const queryInterval = 250 * time.Millisecond

// bootDelay waits out the firmware bootloader after the port opens.
const bootDelay = 1 * time.Second

// finishSettleTime is how long the machine must stay idle after the last
// acknowledgement before the program counts as complete.
const finishSettleTime = 500 * time.Millisecond

// senderStatus tracks the acknowledgement gate of the send/response
// discipline.
type senderStatus int

const (
	statusNone senderStatus = iota
	statusNext
	statusAck
)

// Emitter receives broadcast events for one client endpoint.
type Emitter interface {
	Emit(event string, args ...interface{})
}

// Options configure a controller instance.
type Options struct {
	Transport transport.Transport
	Settings  *config.Settings
	Logger    *slog.Logger
	Macros    *macro.Store
	Shell     *shell.Runner

	// ReadFile resolves a watchdir:load path to g-code content. Usually
	// backed by the watch-directory watcher. Nil disables the command.
	ReadFile func(path string) (string, error)

	// OnDestroy is called after the controller tears down (transport
	// closed). The host uses it to drop the instance from its registry.
	OnDestroy func()
}

// Controller is a single TinyG controller instance. It owns its
// transport, runner, feeder, sender and workflow exclusively.
type Controller struct {
	logger    *slog.Logger
	cfg       *config.Settings
	transport transport.Transport
	runner    *Runner
	feeder    *feeder.Feeder
	sender    *sender.Sender
	workflow  *workflow.Workflow
	evaluator *expression.Evaluator
	trigger   *trigger.Trigger
	macros    *macro.Store

	mailbox chan func()
	closed  chan struct{}
	done    chan struct{}

	clients map[string]Emitter

	sharedContext map[string]interface{}
	bounds        gcode.Box

	ready            bool
	blocked          bool
	senderStatus     senderStatus
	senderFinishTime time.Time

	mirroredState    State
	mirroredSettings Settings

	now       func() time.Time
	sleep     func(d time.Duration)
	readFile  func(path string) (string, error)
	onDestroy func()
}

// New creates a controller bound to the given transport. The mailbox
// loop starts immediately; the transport opens on Open.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "tinyg")
	logger = log.WithPort(logger, opts.Transport.Address())

	cfg := opts.Settings
	if cfg == nil {
		cfg = config.Default()
	}
	macros := opts.Macros
	if macros == nil {
		macros = macro.NewStore()
	}

	c := &Controller{
		logger:        logger,
		cfg:           cfg,
		transport:     opts.Transport,
		runner:        NewRunner(logger),
		workflow:      workflow.New(),
		evaluator:     expression.New(),
		macros:        macros,
		mailbox:       make(chan func(), 64),
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
		clients:       make(map[string]Emitter),
		sharedContext: make(map[string]interface{}),
		now:           nowFunc,
		sleep:         time.Sleep,
		readFile:      opts.ReadFile,
		onDestroy:     opts.OnDestroy,
	}
	for k, v := range cfg.Context {
		c.sharedContext[k] = v
	}

	c.feeder = feeder.New(c.feederTransform)
	c.feeder.SetCallbacks(feeder.Callbacks{
		OnData: c.onFeederData,
	})

	c.sender = sender.New(c.senderTransform)
	c.sender.SetCallbacks(sender.Callbacks{
		OnData: c.onSenderData,
		OnEnd: func(t time.Time) {
			c.senderFinishTime = t
		},
	})

	c.workflow.SetCallbacks(workflow.Callbacks{
		OnStart:  c.onWorkflowStart,
		OnStop:   c.onWorkflowStop,
		OnPause:  c.onWorkflowPause,
		OnResume: c.onWorkflowResume,
	})

	c.runner.SetCallbacks(Callbacks{
		OnResponse:    c.onResponse,
		OnQueueReport: c.onQueueReport,
		OnFooter:      c.onFooter,
		OnRaw:         c.onRawFrame,
	})

	c.trigger = trigger.New(cfg.Events, opts.Shell, func(commands string) {
		c.feedGcode(gcode.Lines(commands), nil)
	}, logger)

	c.transport.SetHandler(transport.Handler{
		OnData: func(data []byte) {
			c.post(func() { c.runner.Feed(data) })
		},
		OnClose: func(err error) {
			c.post(func() { c.handleTransportClose(err) })
		},
		OnError: func(err error) {
			c.post(func() { c.handleTransportError(err) })
		},
	})

	go c.run()
	return c
}

// run is the actor loop. All controller state is touched here.
func (c *Controller) run() {
	defer close(c.done)
	ticker := time.NewTicker(queryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case fn := <-c.mailbox:
			fn()
		case <-ticker.C:
			c.queryTimerTick()
		}
	}
}

// post enqueues fn on the actor loop. Returns false once the controller
// is destroyed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case <-c.closed:
		return false
	case c.mailbox <- fn:
		return true
	}
}

// Open establishes the transport connection and performs the bring-up
// handshake in the background.
func (c *Controller) Open(ctx context.Context) error {
	if err := c.transport.Open(ctx); err != nil {
		c.broadcastFromAnywhere("connection:error", err.Error())
		return err
	}

	c.post(func() {
		c.broadcast("connection:open")
		c.broadcast("connection:change", true)
		c.broadcast("controller:type", TypeName)

		c.workflow.Stop(nil)
		c.blocked = false
		c.senderStatus = statusNone
		c.senderFinishTime = time.Time{}
		if c.sender.IsLoaded() {
			c.sender.Unload()
			c.broadcast("sender:unload")
		}
	})

	go c.initialize()
	return nil
}

// Close tears down the transport; the close event destroys the
// controller.
func (c *Controller) Close() error {
	return c.transport.Close()
}

// Done is closed when the controller has fully torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// AddClient registers a broadcast endpoint under the given ID.
func (c *Controller) AddClient(id string, emitter Emitter) {
	c.post(func() {
		c.clients[id] = emitter
		emitter.Emit("controller:type", TypeName)
	})
}

// RemoveClient drops a broadcast endpoint.
func (c *Controller) RemoveClient(id string) {
	c.post(func() {
		delete(c.clients, id)
	})
}

// initialize performs the bring-up sequence: wait out the bootloader,
// configure JSON mode, probe capabilities, select status-report fields
// and prime the mirrored state. Each step posts to the actor loop; the
// sleeps happen here so no mailbox handler ever blocks.
func (c *Controller) initialize() {
	c.sleep(bootDelay)

	if !c.post(func() { c.ready = true }) {
		return
	}

	step := func(cmd string) bool {
		return c.post(func() { c.initWrite(cmd) })
	}

	for _, cmd := range []string{"{ej:1}", "{jv:4}", "{qv:1}", "{sv:1}", "{si:100}"} {
		if !step(cmd) {
			return
		}
		c.sleep(50 * time.Millisecond)
	}

	// Capability probes. A null reply clears the matching
	// status-report mask bit before the selection goes out.
	for _, cmd := range []string{"{spe:n}", "{spd:n}", "{spc:n}", "{sps:n}", "{com:n}", "{cof:n}"} {
		if !step(cmd) {
			return
		}
		c.sleep(100 * time.Millisecond)
	}

	c.sleep(200 * time.Millisecond)
	if !c.post(func() {
		c.initWrite(relaxedStatusReportCommand(c.runner.Mask().EnabledFields()))
	}) {
		return
	}

	for _, cmd := range []string{"{sys:n}", "{mt:n}", "{pwr:n}", "{qr:n}", "{sr:n}"} {
		if !step(cmd) {
			return
		}
		c.sleep(50 * time.Millisecond)
	}

	c.sleep(50 * time.Millisecond)
	c.post(func() { c.trigger.Fire("controller:ready") })
}

// initWrite writes a bring-up command, enforcing the firmware's serial
// input buffer limit.
func (c *Controller) initWrite(cmd string) {
	if len(cmd)+1 >= SerialBufferLimit {
		c.logger.Error("init command exceeds serial buffer limit",
			slog.Int("length", len(cmd)), slog.Int("limit", SerialBufferLimit))
		return
	}
	c.writeLine(cmd)
}

// --- transport events ---

func (c *Controller) handleTransportClose(err error) {
	c.ready = false
	if err != nil {
		c.broadcast("connection:error", err.Error())
	}
	c.broadcast("connection:close")
	c.broadcast("connection:change", false)
	c.logger.Info("connection closed", log.Error(err))

	close(c.closed)
	if c.onDestroy != nil {
		c.onDestroy()
	}
}

func (c *Controller) handleTransportError(err error) {
	c.ready = false
	c.broadcast("connection:error", err.Error())
	c.logger.Error("transport error", log.Error(err))
}

// --- frame handlers (the flow-control protocol) ---

// onResponse applies an acknowledgement frame. While running, each r
// releases the next line unless the planner hysteresis has blocked the
// stream; while paused, acknowledgements still drain the in-flight line.
func (c *Controller) onResponse(resp Response) {
	if resp.HasN {
		if sent := c.sender.StateSnapshot().Sent; sent > 0 && resp.N != sent {
			c.logger.Warn("line number echo out of step",
				slog.Int("echo", resp.N), slog.Int("sent", sent))
		}
	}

	if c.workflow.IsRunning() {
		c.senderStatus = statusAck
		if !c.blocked {
			c.sender.Ack()
			c.sender.Next()
			c.senderStatus = statusNext
		}
		return
	}

	if c.workflow.IsPaused() {
		st := c.sender.StateSnapshot()
		if st.Received < st.Sent {
			c.sender.Ack()
			c.sender.Next() // held; a no-op by design of pause
			c.senderStatus = statusNext
			return
		}
	}

	c.feeder.Next()
}

// onQueueReport applies a planner queue report. Low/high watermarks
// implement hysteresis on the sender; an empty planner queue (free count
// at the pool size) releases %wait holds.
func (c *Controller) onQueueReport(q int) {
	if q <= PlannerBufferLowWaterMark {
		c.blocked = true
		return
	}
	if q >= PlannerBufferHighWaterMark {
		c.blocked = false
	}

	pool := c.runner.PlannerBufferPoolSize()

	if c.workflow.IsRunning() && c.senderStatus == statusNext {
		st := c.sender.StateSnapshot()
		if st.Hold && st.Received >= st.Sent && q >= pool {
			// The %wait dwell has flushed; the planner queue is empty.
			c.sender.Unhold()
			c.sender.Next()
			c.senderStatus = statusNext
		}
		return
	}

	if (c.workflow.IsRunning() || c.workflow.IsPaused()) && c.senderStatus == statusAck {
		c.sender.Ack()
		c.sender.Next()
		c.senderStatus = statusNext
		return
	}

	if c.workflow.IsIdle() {
		if c.feeder.IsHeld() && isWaitHoldReason(c.feeder.HoldReason()) && q >= pool {
			c.feeder.Unhold()
		}
		c.feeder.Next()
	}
}

// onFooter surfaces non-zero firmware status codes. While running the
// workflow pauses unless errors are configured to be ignored.
func (c *Controller) onFooter(f Footer) {
	if f.StatusCode == 0 {
		return
	}
	msg := StatusMessage(f.StatusCode)

	if c.workflow.IsRunning() {
		ignoreErrors := c.cfg.Controller.Exception.IgnoreErrors
		st := c.sender.StateSnapshot()
		line := c.sender.LineAt(st.Received)

		c.broadcast("connection:read", "> "+line)
		c.broadcast("connection:read", map[string]interface{}{
			"err": map[string]interface{}{
				"code": f.StatusCode,
				"msg":  msg,
				"line": st.Received + 1,
				"data": line,
			},
		})
		if !ignoreErrors {
			c.workflow.Pause(map[string]interface{}{"err": msg})
		}
		return
	}

	if c.workflow.IsIdle() {
		c.broadcast("connection:read", map[string]interface{}{
			"err": map[string]interface{}{
				"code": f.StatusCode,
				"msg":  msg,
			},
		})
		c.feeder.Next()
	}
}

// onRawFrame surfaces unparseable firmware output for debugging while no
// program is running.
func (c *Controller) onRawFrame(line string) {
	if c.workflow.IsIdle() {
		c.broadcast("connection:read", line)
	}
}

// --- workflow transitions ---

func (c *Controller) onWorkflowStart(payload map[string]interface{}) {
	c.broadcastWorkflowState()
	c.blocked = false
	c.senderStatus = statusNone
	c.sender.Rewind()
}

// onWorkflowStop mirrors start's side effects so a subsequent start
// re-runs the program from line 0.
func (c *Controller) onWorkflowStop(payload map[string]interface{}) {
	c.broadcastWorkflowState()
	c.blocked = false
	c.senderStatus = statusNone
	c.sender.Rewind()
}

func (c *Controller) onWorkflowPause(payload map[string]interface{}) {
	c.broadcastWorkflowState()
	c.sender.Hold(payload)
}

func (c *Controller) onWorkflowResume(payload map[string]interface{}) {
	c.broadcastWorkflowState()
	c.feeder.Reset()
	c.sender.Unhold()
	c.sender.Next()
}

func (c *Controller) broadcastWorkflowState() {
	c.broadcast("workflow:state", string(c.workflow.State()))
}

// --- expression stage ---

// feederTransform is the expression stage for the manual pipeline.
func (c *Controller) feederTransform(line string, ctx map[string]interface{}) string {
	return c.transformLine(line, ctx, false)
}

// senderTransform is the expression stage for the program pipeline.
func (c *Controller) senderTransform(line string, ctx map[string]interface{}) string {
	return c.transformLine(line, ctx, true)
}

// transformLine strips comments, handles %-lines, substitutes bracketed
// expressions and raises program-pause holds for M0/M1/M6.
func (c *Controller) transformLine(line string, ctx map[string]interface{}, isSender bool) string {
	line = stripSemicolonComment(line)
	if line == "" {
		return ""
	}

	if line[0] == '%' {
		body := strings.TrimSpace(line[1:])
		if body == "wait" {
			c.logger.Debug("waiting for the planner to empty")
			if isSender {
				c.sender.Hold(waitHoldReason())
			} else {
				c.feeder.Hold(waitHoldReason())
			}
			// a short dwell keeps the queue reports coming
			return "G4 P0.5"
		}
		assigned, err := c.evaluator.EvaluateAssignments(body, c.buildContext(ctx))
		if err != nil {
			c.logger.Warn("expression assignment failed",
				slog.String(log.LineKey, line), log.Error(err))
			return ""
		}
		for k, v := range assigned {
			c.sharedContext[k] = v
		}
		return ""
	}

	translated, err := c.evaluator.Translate(line, c.buildContext(ctx))
	if err != nil {
		c.logger.Warn("expression translation failed",
			slog.String(log.LineKey, line), log.Error(err))
		translated = line
	}

	words := gcode.Words(translated)
	for _, word := range []string{"M0", "M1"} {
		if gcode.HasWord(words, word) {
			c.logger.Debug("program pause", slog.String("word", word))
			payload := map[string]interface{}{"data": word}
			if isSender {
				c.workflow.Pause(payload)
			} else {
				c.feeder.Hold(payload)
			}
		}
	}
	if gcode.HasWord(words, "M6") {
		c.logger.Debug("tool change")
		payload := map[string]interface{}{"data": "M6"}
		if isSender {
			c.workflow.Pause(payload)
		} else {
			c.feeder.Hold(payload)
		}
		// parenthesized so unsupported-command errors do not fire
		translated = replaceWord(translated, "M6", "(M6)")
	}

	return translated
}

// --- pipeline data sinks ---

func (c *Controller) onFeederData(line string, ctx map[string]interface{}) {
	if !c.transport.IsOpen() {
		c.logger.Warn("dropping feeder line: connection is not open",
			slog.String(log.LineKey, line))
		return
	}
	if c.runner.IsAlarm() {
		c.feeder.Reset()
		c.logger.Warn("dropping feeder queue: machine is alarmed")
		return
	}
	c.writeLine(line)
}

func (c *Controller) onSenderData(line string, ctx map[string]interface{}) {
	if !c.transport.IsOpen() {
		c.logger.Error("dropping program line: connection is not open",
			slog.String(log.LineKey, line))
		return
	}
	c.writeLine(line)
}

// feedGcode injects lines through the feeder path.
func (c *Controller) feedGcode(lines []string, ctx map[string]interface{}) {
	c.feeder.Feed(lines, ctx)
	c.feeder.Next()
}

// --- writes ---

// writeLine writes a newline-terminated command or g-code line.
func (c *Controller) writeLine(line string) {
	c.writeRaw(line + "\n")
}

// writeControl writes a single out-of-band control character. Control
// characters bypass the pipelines and are not flow-controlled.
func (c *Controller) writeControl(ch byte) {
	c.writeRaw(string([]byte{ch}))
}

func (c *Controller) writeRaw(data string) {
	if err := c.transport.Write([]byte(data)); err != nil {
		c.logger.Error("write failed", log.Error(err))
		return
	}
	metrics.LinesWritten.Inc()
	log.Trace(c.logger, "write", slog.String(log.LineKey, data))
	c.broadcast("connection:write", data)
}

// --- broadcast ---

// broadcast emits an event to every registered client. Must run on the
// actor loop.
func (c *Controller) broadcast(event string, args ...interface{}) {
	for _, client := range c.clients {
		client.Emit(event, args...)
	}
}

// broadcastFromAnywhere posts a broadcast onto the actor loop.
func (c *Controller) broadcastFromAnywhere(event string, args ...interface{}) {
	c.post(func() { c.broadcast(event, args...) })
}

// --- query timer ---

// queryTimerTick diffs the mirrored state against the runner, emits
// change events and detects program completion.
func (c *Controller) queryTimerTick() {
	if !c.transport.IsOpen() {
		return
	}

	if c.feeder.Peek() {
		c.broadcast("feeder:status", c.feeder.StateSnapshot())
	}
	if st := c.sender.StateSnapshot(); st.Total > 0 && st.Received < st.Total {
		c.broadcast("sender:status", st)
	}

	if settings := c.runner.Settings(); settings != c.mirroredSettings {
		c.mirroredSettings = settings
		c.broadcast("controller:settings", TypeName, settings)
		c.broadcast(TypeName+":settings", settings) // backward compatibility
	}

	if state := c.runner.State(); !reflect.DeepEqual(state, c.mirroredState) {
		c.mirroredState = state
		c.broadcast("controller:state", TypeName, state)
		c.broadcast(TypeName+":state", state) // backward compatibility
	}

	if c.ready && !c.senderFinishTime.IsZero() {
		zeroOffset := c.mirroredState.WorkPosition == c.runner.WorkPosition()
		machineIdle := zeroOffset && c.runner.IsIdle()
		now := c.now()
		if !machineIdle {
			// still moving; keep waiting
			c.senderFinishTime = now
		} else if now.Sub(c.senderFinishTime) > finishSettleTime {
			c.senderFinishTime = time.Time{}
			if err := c.handleCommand("sender:stop"); err != nil {
				c.logger.Warn("automatic program stop failed", log.Error(err))
			}
		}
	}
}

// --- helpers ---

func stripSemicolonComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// replaceWord replaces the first occurrence of a g-code word, matching
// case-insensitively against the canonical form.
func replaceWord(line, word, replacement string) string {
	for i := 0; i+len(word) <= len(line); i++ {
		if equalFoldAt(line, i, word) {
			return line[:i] + replacement + line[i+len(word):]
		}
	}
	return line
}

func equalFoldAt(s string, at int, word string) bool {
	for j := 0; j < len(word); j++ {
		a, b := s[at+j], word[j]
		if a >= 'a' && a <= 'z' {
			a -= 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

