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

// Package metrics holds the Prometheus instrumentation for the driver core.
// The core only increments; exposing a /metrics endpoint is up to the host.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesDecoded counts firmware frames decoded by the runner, by type.
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cncd",
		Name:      "frames_decoded_total",
		Help:      "Firmware JSON frames decoded, partitioned by frame type.",
	}, []string{"type"})

	// LinesWritten counts g-code and JSON command lines written to the transport.
	LinesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cncd",
		Name:      "lines_written_total",
		Help:      "Lines written to the motion controller.",
	})

	// FeedholdsRaised counts feedhold control characters issued.
	FeedholdsRaised = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cncd",
		Name:      "feedholds_total",
		Help:      "Feedhold control characters written to the motion controller.",
	})

	// FirmwareErrors counts non-zero status codes reported in footer frames.
	FirmwareErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cncd",
		Name:      "firmware_errors_total",
		Help:      "Non-zero status codes reported by the firmware.",
	})
)
