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
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhangun/cncd/internal/config"
	"github.com/bhangun/cncd/internal/transport"
	"github.com/bhangun/cncd/pkg/errors"
)

// fakeTransport records writes and lets tests inject inbound bytes.
type fakeTransport struct {
	mu      sync.Mutex
	handler transport.Handler
	opened  bool
	writes  []string
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.opened = false
	handler := f.handler
	f.mu.Unlock()
	if handler.OnClose != nil {
		handler.OnClose(nil)
	}
	return nil
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return errors.New("not open")
	}
	f.writes = append(f.writes, string(data))
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeTransport) Address() string { return "fake" }

func (f *fakeTransport) SetHandler(h transport.Handler) { f.handler = h }

func (f *fakeTransport) receive(line string) {
	f.handler.OnData([]byte(line + "\n"))
}

func (f *fakeTransport) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

// fakeEmitter records broadcast events.
type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) Emit(event string, args ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *fakeEmitter) has(event string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.events {
		if got == event {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T) (*Controller, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{opened: true}
	c := New(Options{Transport: tr, Settings: config.Default()})
	t.Cleanup(func() {
		tr.Close()
		<-c.Done()
	})
	return c, tr
}

// flush waits until the actor loop has drained all prior messages,
// including the frame deliveries posted by receive.
func flush(t *testing.T, c *Controller) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, c.post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("actor loop did not drain")
	}
}

func receive(t *testing.T, c *Controller, tr *fakeTransport, line string) {
	t.Helper()
	tr.receive(line)
	flush(t, c)
}

func senderState(t *testing.T, c *Controller) (st struct {
	Sent, Received int
	Hold           bool
}) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, c.post(func() {
		snap := c.sender.StateSnapshot()
		st.Sent = snap.Sent
		st.Received = snap.Received
		st.Hold = snap.Hold
		close(done)
	}))
	<-done
	return st
}

func TestAckGatingAdvancesOneLinePerResponse(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("sender:load", "p", "G0 X0\nG1 X1\nG1 X2"))
	require.NoError(t, c.Command("sender:start"))
	flush(t, c)

	writes := tr.written()
	require.Len(t, writes, 1, "exactly one line in flight")
	assert.Equal(t, "N1G0X0\n", writes[0])

	receive(t, c, tr, `{"r":{"n":1},"f":[1,0,1]}`)
	writes = tr.written()
	require.Len(t, writes, 2)
	assert.Equal(t, "N2G1X1\n", writes[1])

	st := senderState(t, c)
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 1, st.Received)
}

func TestLowWaterBlocksAndHighWaterReleases(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("sender:load", "p", "G0 X0\nG1 X1\nG1 X2"))
	require.NoError(t, c.Command("sender:start"))
	flush(t, c)
	tr.clear()

	// low-water: block, no other action
	receive(t, c, tr, `{"qr":4}`)
	assert.Empty(t, tr.written())

	// an ack while blocked must not release the next line
	receive(t, c, tr, `{"r":{"n":1},"f":[1,0,1]}`)
	assert.Empty(t, tr.written())
	st := senderState(t, c)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, 0, st.Received)

	// high-water: unblock and replay the gated ack/next pair
	receive(t, c, tr, `{"qr":32}`)
	writes := tr.written()
	require.Len(t, writes, 1)
	assert.Equal(t, "N2G1X1\n", writes[0])
	st = senderState(t, c)
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 1, st.Received)
}

func TestWaitDwellAndRelease(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("sender:load", "p", "G0 X0\n%wait\nG1 X1"))
	require.NoError(t, c.Command("sender:start"))

	receive(t, c, tr, `{"r":{"n":1},"f":[1,0,1]}`)
	writes := tr.written()
	require.Len(t, writes, 2)
	assert.Equal(t, "N2G4P0.5\n", writes[1], "the %wait line becomes a short dwell")
	st := senderState(t, c)
	assert.True(t, st.Hold)

	// ack for the dwell drains the stream but the hold stays
	receive(t, c, tr, `{"r":{"n":2},"f":[1,0,1]}`)
	st = senderState(t, c)
	assert.True(t, st.Hold)
	assert.Equal(t, st.Sent, st.Received)

	// a queue report below the pool size keeps waiting
	receive(t, c, tr, `{"qr":15}`)
	st = senderState(t, c)
	assert.True(t, st.Hold)

	// planner empty: release and stream on
	receive(t, c, tr, `{"qr":28}`)
	st = senderState(t, c)
	assert.False(t, st.Hold)
	writes = tr.written()
	assert.Equal(t, "N3G1X1\n", writes[len(writes)-1])
}

func TestProgramPauseOnM0(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("sender:load", "p", "M0\nG0 X1"))
	require.NoError(t, c.Command("sender:start"))
	flush(t, c)

	writes := tr.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, "N1M0\n", writes[0], "the M0 line is still transmitted")

	done := make(chan struct{})
	require.True(t, c.post(func() {
		assert.True(t, c.workflow.IsPaused())
		reason, _ := c.sender.HoldReason().(map[string]interface{})
		assert.Equal(t, "M0", reason["data"])
		close(done)
	}))
	<-done

	// an ack with received < sent still drains while paused
	receive(t, c, tr, `{"r":{"n":1},"f":[1,0,1]}`)
	st := senderState(t, c)
	assert.Equal(t, st.Sent, st.Received)
}

func TestToolChangePausesAndComments(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("sender:load", "p", "T2 M6\nG0 X1"))
	require.NoError(t, c.Command("sender:start"))
	flush(t, c)

	writes := tr.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, "N1T2(M6)\n", writes[0])

	done := make(chan struct{})
	require.True(t, c.post(func() {
		assert.True(t, c.workflow.IsPaused())
		close(done)
	}))
	<-done
}

func TestForceStopDialects(t *testing.T) {
	tests := []struct {
		name string
		fb   float64
		want []string
	}{
		{"build 101", 101.02, []string{"\x04", "{\"qr\":\"\"}\n"}},
		{"build 100", 100, []string{"\x04", "M30\n", "{\"qr\":\"\"}\n"}},
		{"older", 99, []string{"!\n", "%\n", "M30\n", "{\"qr\":\"\"}\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newTestController(t)
			done := make(chan struct{})
			require.True(t, c.post(func() {
				c.runner.settings.FirmwareBuild = tt.fb
				close(done)
			}))
			<-done

			require.NoError(t, c.Command("sender:load", "p", "G0 X0"))
			require.NoError(t, c.Command("sender:start"))
			flush(t, c)
			tr.clear()

			require.NoError(t, c.Command("sender:stop", map[string]interface{}{"force": true}))
			flush(t, c)
			assert.Equal(t, tt.want, tr.written())
		})
	}
}

func TestStopThenStartRerunsProgram(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("sender:load", "p", "G0 X0\nG1 X1"))
	require.NoError(t, c.Command("sender:start"))
	receive(t, c, tr, `{"r":{"n":1},"f":[1,0,1]}`)

	require.NoError(t, c.Command("sender:stop"))
	st := senderState(t, c)
	assert.Zero(t, st.Sent)
	assert.Zero(t, st.Received)

	tr.clear()
	require.NoError(t, c.Command("sender:start"))
	flush(t, c)
	writes := tr.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, "N1G0X0\n", writes[0])
}

func TestOverrideArithmetic(t *testing.T) {
	tests := []struct {
		name    string
		command string
		delta   float64
		want    string
	}{
		{"feed +10%", "override:feed", 10, "{mfo:1.1}\n"},
		{"feed reset", "override:feed", 0, "{mfo:1}\n"},
		{"feed clamps low", "override:feed", -200, "{mfo:0.05}\n"},
		{"feed clamps high", "override:feed", 150, "{mfo:2}\n"},
		{"spindle -5%", "override:spindle", -5, "{sso:0.95}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newTestController(t)
			require.NoError(t, c.Command(tt.command, tt.delta))
			flush(t, c)
			writes := tr.written()
			require.Len(t, writes, 1)
			assert.Equal(t, tt.want, writes[0])
		})
	}
}

func TestRapidOverrideMapping(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("override:rapid", 25.0))
	require.NoError(t, c.Command("override:rapid", 50.0))
	require.NoError(t, c.Command("override:rapid", 100.0))
	require.NoError(t, c.Command("override:rapid", 33.0)) // ignored
	flush(t, c)

	assert.Equal(t, []string{"{mto:0.25}\n", "{mto:0.5}\n", "{mto:1}\n"}, tr.written())
}

func TestFeedholdAndCyclestart(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("feedhold"))
	flush(t, c)
	assert.Equal(t, []string{"!", "{\"qr\":\"\"}\n"}, tr.written())

	tr.clear()
	require.NoError(t, c.Command("cyclestart"))
	flush(t, c)
	assert.Equal(t, []string{"~", "{\"qr\":\"\"}\n"}, tr.written())
}

func TestHomingUnlockReset(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("homing"))
	require.NoError(t, c.Command("unlock"))
	require.NoError(t, c.Command("reset"))
	flush(t, c)

	assert.Equal(t, []string{"G28.2 X0 Y0 Z0\n", "{clear:null}\n", "\x18"}, tr.written())
}

func TestGcodeFeedsThroughFeeder(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("gcode", "G91 ; relative\nG0 X1"))
	flush(t, c)

	writes := tr.written()
	require.Len(t, writes, 1, "one line at a time")
	assert.Equal(t, "G91\n", writes[0])

	// the next line flows on acknowledgement while idle
	receive(t, c, tr, `{"r":{},"f":[1,0,1]}`)
	writes = tr.written()
	require.Len(t, writes, 2)
	assert.Equal(t, "G0 X1\n", writes[1])
}

func TestExpressionSubstitutionInGcode(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Command("gcode", "%_safe = 5, _feed = 120"))
	require.NoError(t, c.Command("gcode", "G0 Z[_safe] F[_feed * 2]"))
	flush(t, c)

	writes := tr.written()
	require.Len(t, writes, 1)
	assert.Equal(t, "G0 Z5 F240\n", writes[0])
}

func TestFirmwareErrorPausesRunningProgram(t *testing.T) {
	c, tr := newTestController(t)
	em := &fakeEmitter{}
	c.AddClient("client", em)

	require.NoError(t, c.Command("sender:load", "p", "G0 X0\nG1 X1"))
	require.NoError(t, c.Command("sender:start"))
	flush(t, c)

	receive(t, c, tr, `{"r":{"n":1},"f":[1,108,1]}`)

	done := make(chan struct{})
	require.True(t, c.post(func() {
		assert.True(t, c.workflow.IsPaused())
		close(done)
	}))
	<-done
	assert.True(t, em.has("connection:read"))
}

func TestFirmwareErrorIgnoredWhenConfigured(t *testing.T) {
	tr := &fakeTransport{opened: true}
	cfg := config.Default()
	cfg.Controller.Exception.IgnoreErrors = true
	c := New(Options{Transport: tr, Settings: cfg})
	t.Cleanup(func() {
		tr.Close()
		<-c.Done()
	})

	require.NoError(t, c.Command("sender:load", "p", "G0 X0\nG1 X1"))
	require.NoError(t, c.Command("sender:start"))
	flush(t, c)

	receive(t, c, tr, `{"r":{"n":1},"f":[1,108,1]}`)

	done := make(chan struct{})
	require.True(t, c.post(func() {
		assert.True(t, c.workflow.IsRunning())
		close(done)
	}))
	<-done
}

func TestUnknownCommand(t *testing.T) {
	c, _ := newTestController(t)
	err := c.Command("warp:engage")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestEmptyLoadRejected(t *testing.T) {
	c, _ := newTestController(t)
	err := c.Command("sender:load", "p", "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestProgramCompletionIssuesStop(t *testing.T) {
	c, tr := newTestController(t)
	em := &fakeEmitter{}
	c.AddClient("client", em)

	base := time.Unix(10000, 0)
	done := make(chan struct{})
	require.True(t, c.post(func() {
		c.ready = true
		c.sender.SetClock(func() time.Time { return base })
		c.now = func() time.Time { return base }
		close(done)
	}))
	<-done

	require.NoError(t, c.Command("sender:load", "p", "G0 X0"))
	require.NoError(t, c.Command("sender:start"))

	// machine reaches idle state
	receive(t, c, tr, `{"sr":{"stat":3}}`)

	// drain the program: the raw line plus the appended %wait dwell
	receive(t, c, tr, `{"r":{"n":1},"f":[1,0,1]}`)
	receive(t, c, tr, `{"r":{"n":2},"f":[1,0,1]}`)
	receive(t, c, tr, `{"qr":28}`)

	st := senderState(t, c)
	require.Equal(t, st.Sent, st.Received)

	// settle past the finish window, then let the query timer observe it
	require.True(t, c.post(func() {
		c.now = func() time.Time { return base.Add(600 * time.Millisecond) }
		c.queryTimerTick()
	}))
	flush(t, c)

	done = make(chan struct{})
	require.True(t, c.post(func() {
		assert.True(t, c.workflow.IsIdle())
		assert.True(t, c.senderFinishTime.IsZero())
		close(done)
	}))
	<-done
}

func TestOversizedInitCommandIsDropped(t *testing.T) {
	c, tr := newTestController(t)

	done := make(chan struct{})
	require.True(t, c.post(func() {
		c.initWrite(strings.Repeat("x", SerialBufferLimit))
		c.initWrite("{ej:1}")
		close(done)
	}))
	<-done

	assert.Equal(t, []string{"{ej:1}\n"}, tr.written())
}

func TestTransportCloseDestroysController(t *testing.T) {
	tr := &fakeTransport{opened: true}
	destroyed := make(chan struct{})
	c := New(Options{Transport: tr, OnDestroy: func() { close(destroyed) }})

	em := &fakeEmitter{}
	c.AddClient("client", em)
	flush(t, c)

	tr.Close()
	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not destroy on transport close")
	}
	<-c.Done()
	assert.True(t, em.has("connection:close"))

	assert.Error(t, c.Command("homing"))
}
