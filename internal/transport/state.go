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

import "time"

// State is the connection state. The Manager is the sole writer; every other
// component observes transitions through registered observers.
type State int

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected State = iota

	// StateConnecting means the initial dial is in progress.
	StateConnecting

	// StateConnected means the persistent channel is up.
	StateConnected

	// StateReconnecting means the connection dropped and the backoff loop is
	// retrying. Retries never stop on their own; the service may return at
	// any time.
	StateReconnecting

	// StateDegraded means reconnection has exceeded the configured threshold
	// and the polling fallback is active while reconnection continues in the
	// background.
	StateDegraded

	// StateFailed is terminal: an unrecoverable configuration error such as a
	// malformed endpoint. Requires caller intervention.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Usable reports whether calls may be issued in this state, either over the
// persistent channel or the polling fallback.
func (s State) Usable() bool {
	return s == StateConnected || s == StateDegraded
}

// StateChange describes one observed transition. Repeated failed reconnect
// attempts are reported as Reconnecting->Reconnecting changes with an
// increasing Attempt counter.
type StateChange struct {
	// From is the previous state.
	From State

	// To is the new state.
	To State

	// Attempt is the reconnect attempt number, when relevant.
	Attempt int

	// Err is the error that caused the transition, if any.
	Err error

	// At is when the transition occurred.
	At time.Time
}
