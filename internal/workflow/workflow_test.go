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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitialState(t *testing.T) {
	w := New()
	assert.Equal(t, StateIdle, w.State())
	assert.True(t, w.IsIdle())
}

func TestLifecycle(t *testing.T) {
	w := New()

	assert.True(t, w.Start(nil))
	assert.True(t, w.IsRunning())

	assert.True(t, w.Pause(map[string]interface{}{"data": "M0"}))
	assert.True(t, w.IsPaused())

	assert.True(t, w.Resume(nil))
	assert.True(t, w.IsRunning())

	assert.True(t, w.Stop(nil))
	assert.True(t, w.IsIdle())
}

func TestInvalidTransitions(t *testing.T) {
	w := New()

	assert.False(t, w.Pause(nil), "pause from idle")
	assert.False(t, w.Resume(nil), "resume from idle")
	assert.False(t, w.Stop(nil), "stop from idle")

	w.Start(nil)
	assert.False(t, w.Start(nil), "start while running")
	assert.False(t, w.Resume(nil), "resume while running")

	w.Pause(nil)
	assert.False(t, w.Pause(nil), "pause while paused")
}

func TestStartFromPaused(t *testing.T) {
	w := New()
	w.Start(nil)
	w.Pause(nil)
	assert.True(t, w.Start(nil))
	assert.True(t, w.IsRunning())
}

func TestCallbacksReceivePayload(t *testing.T) {
	w := New()
	var got map[string]interface{}
	w.SetCallbacks(Callbacks{
		OnPause: func(payload map[string]interface{}) { got = payload },
	})

	w.Start(nil)
	w.Pause(map[string]interface{}{"err": "Soft limit exceeded"})
	assert.Equal(t, "Soft limit exceeded", got["err"])
}

func TestStateValidity(t *testing.T) {
	assert.True(t, StateIdle.IsValid())
	assert.True(t, StateRunning.IsValid())
	assert.True(t, StatePaused.IsValid())
	assert.False(t, State("bogus").IsValid())
}
