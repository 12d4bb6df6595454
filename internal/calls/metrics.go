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

package calls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// callsInFlight tracks pending calls awaiting a response
	callsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camwire_calls_in_flight",
			Help: "Number of RPC calls currently awaiting a response",
		},
	)

	// callsSettled tracks settled calls by outcome
	callsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camwire_calls_settled_total",
			Help: "Total settled RPC calls by outcome (resolved, rejected, timeout, cancelled)",
		},
		[]string{"outcome"},
	)
)
