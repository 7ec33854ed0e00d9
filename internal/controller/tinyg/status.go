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

import "fmt"

// statusMessages maps the firmware's numeric status codes (footer element
// [1]) to human-readable messages.
var statusMessages = map[int]string{
	0:  "OK",
	1:  "Generic error",
	2:  "Generic exception: function would block (EAGAIN)",
	3:  "Operation was a no-op",
	4:  "Operation complete",
	5:  "Operation was shut down",
	6:  "Function or operation was hard reset",
	7:  "Function or operation encountered end of line",
	8:  "Function or operation encountered end of file",
	9:  "File not open",
	10: "Max file size exceeded",
	11: "No such device",
	12: "Buffer empty",
	13: "Buffer full non-fatal",
	14: "Buffer full fatal",
	15: "Initializing",
	16: "Entering boot loader",
	17: "Function is stubbed",
	20: "Internal error",
	21: "Internal range error",
	22: "Floating point error",
	23: "Divide by zero",
	24: "Invalid address",
	25: "Read-only address",
	26: "Initialization failure",
	27: "System alarmed",
	28: "Failed to get planner buffer",
	29: "Generic exception report",
	30: "Move time is infinite",
	31: "Move time is NaN",
	32: "Float is infinite",
	33: "Float is NaN",
	34: "Persistence error",
	35: "Bad status report setting",

	100: "Unrecognized command or config name",
	101: "Expected command letter",
	102: "Bad number format",
	103: "Input exceeds max length",
	104: "Input value is too small",
	105: "Input value is too large",
	106: "Input value range error",
	107: "Input value unsupported",
	108: "JSON syntax error",
	109: "JSON has too many pairs",
	110: "JSON string too long",
	111: "Out-of-range g-code block",
	112: "Arc specification error",
	113: "Input is less than minimum length",
	114: "Input is less than minimum time",

	130: "Generic g-code input error",
	131: "G-code command unsupported",
	132: "M-code command unsupported",
	133: "G-code modal group violation",
	134: "Axis word missing",
	135: "Axis cannot be configured",
	136: "Axis disabled",
	137: "Feed rate not specified",
	140: "Spindle speed below minimum",
	141: "Spindle speed exceeds maximum",
	148: "S word is missing",
	149: "S word is invalid",

	200: "Generic machining error",
	201: "Minimum length move",
	202: "Minimum time move",
	203: "Machine is alarmed - command not processed",
	204: "Limit switch hit - shutdown occurred",
	205: "Planner failsafe - shutdown occurred",

	220: "Soft limit exceeded",
	221: "Soft limit exceeded on X axis",
	222: "Soft limit exceeded on Y axis",
	223: "Soft limit exceeded on Z axis",
	224: "Soft limit exceeded on A axis",
	225: "Soft limit exceeded on B axis",
	226: "Soft limit exceeded on C axis",

	240: "Homing cycle failed",
	241: "Homing error - bad or no axis specified",
	242: "Homing error - switch misconfiguration",
	243: "Homing error - zero search travel",
	245: "Probe cycle failed",
	246: "Probe travel is too small",
	247: "Probe endpoint is starting point",
}

// StatusMessage returns the human-readable message for a firmware status
// code. Unknown codes render with the raw number so nothing is silently
// swallowed.
func StatusMessage(code int) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown status code %d", code)
}
