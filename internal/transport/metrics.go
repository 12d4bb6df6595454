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

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// reconnectAttempts tracks reconnect attempts by outcome
	reconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camwire_reconnect_attempts_total",
			Help: "Total reconnect attempts by outcome (success, failure)",
		},
		[]string{"outcome"},
	)

	// connectionState exposes the current state as a numeric gauge
	connectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camwire_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 degraded, 5 failed)",
		},
	)

	// heartbeatMisses tracks missed heartbeat probes
	heartbeatMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camwire_heartbeat_misses_total",
			Help: "Total heartbeat probes that saw no reply within the probe window",
		},
	)

	// degradedTransitions tracks entries into degraded (polling) mode
	degradedTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camwire_degraded_transitions_total",
			Help: "Total transitions into degraded (polling) mode",
		},
	)
)
