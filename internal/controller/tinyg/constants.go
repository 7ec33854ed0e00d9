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

// TypeName identifies this controller family in broadcast events.
const TypeName = "TinyG"

// Planner-queue watermarks. The qr report carries the count of free
// planner slots; the sender blocks at or below the low mark and releases
// at or above the high mark (hysteresis).
const (
	PlannerBufferLowWaterMark  = 8
	PlannerBufferHighWaterMark = 20

	// DefaultPlannerBufferPoolSize is assumed until the firmware
	// reports a larger free count.
	DefaultPlannerBufferPoolSize = 28
)

// SerialBufferLimit bounds a single outbound command during bring-up.
// The firmware's serial input buffer is 4 KiB; the margin keeps room for
// the line terminator and in-flight control characters.
const SerialBufferLimit = 4*1024 - 96

// Machine states reported in the sr "stat" field.
const (
	MachineStateInitializing = 0
	MachineStateReady        = 1
	MachineStateAlarm        = 2
	MachineStateStop         = 3
	MachineStateEnd          = 4
	MachineStateRun          = 5
	MachineStateHold         = 6
	MachineStateProbe        = 7
	MachineStateCycle        = 8
	MachineStateHoming       = 9
	MachineStateJog          = 10
	MachineStateInterlock    = 11
	MachineStateShutdown     = 12
	MachineStatePanic        = 13
)

// Out-of-band control characters. These bypass the pipelines and are not
// flow-controlled.
const (
	CharFeedhold   = '!'
	CharCycleStart = '~'
	CharQueueFlush = '%'
	CharKillJob    = 0x04 // ^d
	CharResetBoard = 0x18 // ^x
)

// Modal-group lookup tables for numeric sr fields.
var (
	motionModes = map[int]string{
		0: "G0",
		1: "G1",
		2: "G2",
		3: "G3",
		4: "G80",
	}
	wcsModes = map[int]string{
		0: "G53",
		1: "G54",
		2: "G55",
		3: "G56",
		4: "G57",
		5: "G58",
		6: "G59",
	}
	planeModes = map[int]string{
		0: "G17",
		1: "G18",
		2: "G19",
	}
	unitsModes = map[int]string{
		0: "G20",
		1: "G21",
	}
	distanceModes = map[int]string{
		0: "G90",
		1: "G91",
	}
	arcDistanceModes = map[int]string{
		0: "G90.1",
		1: "G91.1",
	}
	feedrateModes = map[int]string{
		0: "G93",
		1: "G94",
		2: "G94.1",
	}
	pathControlModes = map[int]string{
		0: "G61",
		1: "G61.1",
		2: "G64",
	}
)

// defaultStatusReportFields is the ordered set of status-report fields
// requested during bring-up. Capability probes answered null clear
// entries before the selection is sent.
var defaultStatusReportFields = []string{
	"stat", "line", "vel", "feed",
	"unit", "coor", "momo", "plan", "path", "dist", "admo", "frmo",
	"tool",
	"posx", "posy", "posz", "posa", "posb", "posc",
	"mpox", "mpoy", "mpoz", "mpoa", "mpob", "mpoc",
	"spe", "spd", "spc", "sps",
	"com", "cof",
}
