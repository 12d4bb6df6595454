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

package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// notificationsDispatched tracks dispatched events by topic
	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camwire_notifications_dispatched_total",
			Help: "Total notifications dispatched to at least one handler, by topic",
		},
		[]string{"topic"},
	)

	// subscriptionsActive tracks registered subscriptions
	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camwire_subscriptions_active",
			Help: "Number of currently registered subscriptions",
		},
	)

	// handlerPanics tracks recovered handler panics
	handlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camwire_handler_panics_total",
			Help: "Total notification handler panics recovered by the dispatcher",
		},
	)
)
