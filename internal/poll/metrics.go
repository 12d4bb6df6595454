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

package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camwire_polls_total",
		Help: "Status polls issued in degraded mode, by outcome.",
	}, []string{"outcome"})

	pollEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camwire_poll_events_total",
		Help: "Change events synthesized from status snapshot diffs.",
	})

	degradedActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camwire_poll_active",
		Help: "Whether the polling fallback is currently active.",
	})
)
