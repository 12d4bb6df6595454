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

// Package calls maps outgoing requests to their eventual responses by
// correlation token. Pending calls are connection-scoped: a dead connection
// rejects everything it had outstanding, never silently dropping a call.
package calls

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/camwire/internal/protocol"
	camerrors "github.com/tombee/camwire/pkg/errors"
)

// Outcome is the settled result of a pending call. Exactly one of Result or
// Err is meaningful.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Pending is a single in-flight call. It settles exactly once: resolved,
// rejected, timed out, or cancelled.
type Pending struct {
	id          protocol.ID
	method      string
	timeout     time.Duration
	submittedAt time.Time
	deadline    time.Time

	// done carries the single settlement. Buffered so the settling side
	// never blocks on a caller that has already given up.
	done chan Outcome
}

// ID returns the correlation token.
func (p *Pending) ID() protocol.ID { return p.id }

// Method returns the RPC method name.
func (p *Pending) Method() string { return p.method }

// Deadline returns the absolute deadline of the call.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done returns the settlement channel. It receives exactly one Outcome.
func (p *Pending) Done() <-chan Outcome { return p.done }

// Table owns all pending calls for a client. Mutation is serialized by an
// internal mutex; removal from the table is the settlement guard, so no call
// can settle twice.
type Table struct {
	logger *slog.Logger

	mu          sync.Mutex
	pending     map[protocol.ID]*Pending
	maxInFlight int
}

// NewTable creates a correlation table. maxInFlight bounds outstanding calls
// to protect against caller misbehavior; zero means unbounded.
func NewTable(maxInFlight int, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		logger:      logger,
		pending:     make(map[protocol.ID]*Pending),
		maxInFlight: maxInFlight,
	}
}

// Register records a new pending call with a fresh correlation token and the
// given timeout. It returns ErrTooManyInFlight when the in-flight bound is hit.
func (t *Table) Register(method string, timeout time.Duration) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxInFlight > 0 && len(t.pending) >= t.maxInFlight {
		return nil, &camerrors.TransportError{Op: "submit", Err: camerrors.ErrTooManyInFlight}
	}

	now := time.Now()
	p := &Pending{
		id:          protocol.NewID(),
		method:      method,
		timeout:     timeout,
		submittedAt: now,
		deadline:    now.Add(timeout),
		done:        make(chan Outcome, 1),
	}
	t.pending[p.id] = p

	callsInFlight.Set(float64(len(t.pending)))
	return p, nil
}

// take removes and returns the pending call for id, or nil if unknown.
// Removal under the lock is what makes settlement exactly-once.
func (t *Table) take(id protocol.ID) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	callsInFlight.Set(float64(len(t.pending)))
	return p
}

// Resolve settles the call for id with a result. A response for an unknown
// token is logged and discarded: it indicates a stale or duplicate server
// message, not a client bug.
func (t *Table) Resolve(id protocol.ID, result json.RawMessage) bool {
	p := t.take(id)
	if p == nil {
		t.logger.Warn("response for unknown correlation token discarded",
			slog.String("correlation_id", string(id)))
		return false
	}
	p.done <- Outcome{Result: result}
	callsSettled.WithLabelValues("resolved").Inc()
	return true
}

// Reject settles the call for id with an error. Unknown tokens are logged
// and discarded, same as Resolve.
func (t *Table) Reject(id protocol.ID, err error) bool {
	p := t.take(id)
	if p == nil {
		t.logger.Warn("error response for unknown correlation token discarded",
			slog.String("correlation_id", string(id)))
		return false
	}
	p.done <- Outcome{Err: err}
	callsSettled.WithLabelValues("rejected").Inc()
	return true
}

// Cancel settles the call for id with a CancellationError. Cancelling a call
// that already settled is a no-op.
func (t *Table) Cancel(id protocol.ID) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.done <- Outcome{Err: &camerrors.CancellationError{Method: p.method}}
	callsSettled.WithLabelValues("cancelled").Inc()
	return true
}

// RejectAll settles every outstanding call with err and empties the table.
// Invoked on disconnect so no caller is ever left hanging on a dead
// connection. Returns the number of calls rejected.
func (t *Table) RejectAll(err error) int {
	t.mu.Lock()
	taken := make([]*Pending, 0, len(t.pending))
	for id, p := range t.pending {
		delete(t.pending, id)
		taken = append(taken, p)
	}
	callsInFlight.Set(0)
	t.mu.Unlock()

	for _, p := range taken {
		p.done <- Outcome{Err: err}
		callsSettled.WithLabelValues("rejected").Inc()
	}
	return len(taken)
}

// SweepExpired rejects every call whose deadline passed, independent of
// connection state. A call must never hang forever even when the connection
// looks healthy. Returns the number of calls timed out.
func (t *Table) SweepExpired(now time.Time) int {
	t.mu.Lock()
	var expired []*Pending
	for id, p := range t.pending {
		if now.After(p.deadline) {
			delete(t.pending, id)
			expired = append(expired, p)
		}
	}
	callsInFlight.Set(float64(len(t.pending)))
	t.mu.Unlock()

	for _, p := range expired {
		p.done <- Outcome{Err: &camerrors.TimeoutError{Method: p.method, Timeout: p.timeout}}
		callsSettled.WithLabelValues("timeout").Inc()
	}
	return len(expired)
}

// Len returns the number of calls currently in flight.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
