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

package feeder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedAndNext(t *testing.T) {
	var emitted []string
	f := New(nil)
	f.SetCallbacks(Callbacks{
		OnData: func(line string, _ map[string]interface{}) { emitted = append(emitted, line) },
	})

	f.Feed([]string{"G0 X0", "G1 X1"}, nil)
	assert.True(t, f.Peek())
	assert.Equal(t, 2, f.Size())

	require.True(t, f.Next())
	require.True(t, f.Next())
	assert.False(t, f.Next())
	assert.Equal(t, []string{"G0 X0", "G1 X1"}, emitted)
	assert.False(t, f.Peek())
}

func TestNextSkipsSwallowedLines(t *testing.T) {
	var emitted []string
	f := New(func(line string, _ map[string]interface{}) string {
		if line == "%_x=1" {
			return ""
		}
		return line
	})
	f.SetCallbacks(Callbacks{
		OnData: func(line string, _ map[string]interface{}) { emitted = append(emitted, line) },
	})

	f.Feed([]string{"%_x=1", "G0 X0"}, nil)
	require.True(t, f.Next())
	assert.Equal(t, []string{"G0 X0"}, emitted)
	assert.Equal(t, 0, f.Size())
}

func TestHoldBlocksNext(t *testing.T) {
	var emitted int
	f := New(nil)
	f.SetCallbacks(Callbacks{
		OnData: func(string, map[string]interface{}) { emitted++ },
	})

	f.Feed([]string{"G0 X0"}, nil)
	f.Hold(map[string]interface{}{"data": "M0"})
	assert.False(t, f.Next())
	assert.Zero(t, emitted)
	assert.True(t, f.IsHeld())

	f.Unhold()
	assert.True(t, f.Next())
	assert.Equal(t, 1, emitted)
}

func TestHoldIdempotent(t *testing.T) {
	var holds int
	f := New(nil)
	f.SetCallbacks(Callbacks{OnHold: func(interface{}) { holds++ }})

	first := map[string]interface{}{"data": "%wait"}
	f.Hold(first)
	f.Hold(map[string]interface{}{"data": "M0"})
	assert.Equal(t, 1, holds)
	assert.Equal(t, first, f.HoldReason())

	f.Unhold()
	f.Unhold()
	assert.False(t, f.IsHeld())
	assert.Nil(t, f.HoldReason())
}

func TestTransformCanRaiseHoldWhileEmitting(t *testing.T) {
	var f *Feeder
	var emitted []string
	f = New(func(line string, _ map[string]interface{}) string {
		if line == "%wait" {
			f.Hold(map[string]interface{}{"data": "%wait"})
			return "G4 P0.5"
		}
		return line
	})
	f.SetCallbacks(Callbacks{
		OnData: func(line string, _ map[string]interface{}) { emitted = append(emitted, line) },
	})

	f.Feed([]string{"%wait", "G0 X0"}, nil)
	// the dwell is emitted, then the hold takes effect
	require.True(t, f.Next())
	assert.Equal(t, []string{"G4 P0.5"}, emitted)
	assert.False(t, f.Next())
	assert.Equal(t, 1, f.Size())
}

func TestReset(t *testing.T) {
	f := New(nil)
	f.Feed([]string{"G0 X0"}, nil)
	f.Hold(nil)
	f.Reset()
	assert.False(t, f.IsHeld())
	assert.Zero(t, f.Size())
	assert.False(t, f.StateSnapshot().Pending)
}
