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
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendRecorder records topics a SendFunc was invoked with.
type sendRecorder struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (r *sendRecorder) fn(_ context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return r.err
}

func (r *sendRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func TestDispatcher_DispatchInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		_, err := d.Subscribe(context.Background(), "camera_status_update", nil, func(Event) {
			order = append(order, i)
		})
		require.NoError(t, err)
	}

	d.Dispatch("camera_status_update", json.RawMessage(`{"device":"cam0"}`))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestDispatcher_TopicIsolation(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var got []string
	_, err := d.Subscribe(context.Background(), "camera_status_update", nil, func(e Event) {
		got = append(got, e.Topic)
	})
	require.NoError(t, err)

	d.Dispatch("recordings_update", json.RawMessage(`{}`))
	assert.Empty(t, got)

	d.Dispatch("camera_status_update", json.RawMessage(`{}`))
	assert.Equal(t, []string{"camera_status_update"}, got)
}

func TestDispatcher_HandlerPanicDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var reached bool
	_, err := d.Subscribe(context.Background(), "t", nil, func(Event) {
		panic("handler bug")
	})
	require.NoError(t, err)
	_, err = d.Subscribe(context.Background(), "t", nil, func(Event) {
		reached = true
	})
	require.NoError(t, err)

	d.Dispatch("t", nil)
	assert.True(t, reached, "second handler must run despite first panicking")
}

func TestDispatcher_EqualsFilter(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var events []Event
	_, err := d.Subscribe(context.Background(), "camera_status_update",
		&Filter{Equals: map[string]any{"device": "cam0", "connected": true}},
		func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	d.Dispatch("camera_status_update", json.RawMessage(`{"device":"cam1","connected":true}`))
	d.Dispatch("camera_status_update", json.RawMessage(`{"device":"cam0","connected":false}`))
	require.Empty(t, events)

	d.Dispatch("camera_status_update", json.RawMessage(`{"device":"cam0","connected":true}`))
	require.Len(t, events, 1)
	assert.Equal(t, "cam0", events[0].Payload["device"])
}

func TestDispatcher_EqualsFilterNumeric(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var hits int
	_, err := d.Subscribe(context.Background(), "recordings_update",
		&Filter{Equals: map[string]any{"count": 3}},
		func(Event) { hits++ })
	require.NoError(t, err)

	// JSON numbers decode as float64; the int filter value still matches.
	d.Dispatch("recordings_update", json.RawMessage(`{"count":3}`))
	assert.Equal(t, 1, hits)
}

func TestDispatcher_ExprFilter(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var hits int
	_, err := d.Subscribe(context.Background(), "camera_status_update",
		&Filter{Expr: `device == "cam0" && resolution_height >= 1080`},
		func(Event) { hits++ })
	require.NoError(t, err)

	d.Dispatch("camera_status_update", json.RawMessage(`{"device":"cam0","resolution_height":720}`))
	assert.Equal(t, 0, hits)

	d.Dispatch("camera_status_update", json.RawMessage(`{"device":"cam0","resolution_height":1080}`))
	assert.Equal(t, 1, hits)
}

func TestDispatcher_BadExprRejectedAtSubscribe(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	_, err := d.Subscribe(context.Background(), "t", &Filter{Expr: `device ==`}, func(Event) {})
	require.Error(t, err)
}

func TestDispatcher_ServerSubscribeOncePerTopic(t *testing.T) {
	rec := &sendRecorder{}
	d := NewDispatcher(rec.fn, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := d.Subscribe(context.Background(), "camera_status_update", nil, func(Event) {})
		require.NoError(t, err)
	}
	_, err := d.Subscribe(context.Background(), "recordings_update", nil, func(Event) {})
	require.NoError(t, err)

	assert.Equal(t, []string{"camera_status_update", "recordings_update"}, rec.sent())
}

func TestDispatcher_UnsubscribeOnLastRemoval(t *testing.T) {
	sub := &sendRecorder{}
	unsub := &sendRecorder{}
	d := NewDispatcher(sub.fn, unsub.fn, nil)

	remove1, err := d.Subscribe(context.Background(), "t", nil, func(Event) {})
	require.NoError(t, err)
	remove2, err := d.Subscribe(context.Background(), "t", nil, func(Event) {})
	require.NoError(t, err)

	remove1()
	assert.Empty(t, unsub.sent(), "unsubscribe only after last removal")

	remove2()
	assert.Equal(t, []string{"t"}, unsub.sent())

	// Removal is idempotent.
	remove2()
	assert.Equal(t, []string{"t"}, unsub.sent())
}

func TestDispatcher_RemovedHandlerNotInvoked(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var hits int
	remove, err := d.Subscribe(context.Background(), "t", nil, func(Event) { hits++ })
	require.NoError(t, err)
	remove()

	d.Dispatch("t", nil)
	assert.Equal(t, 0, hits)
}

func TestDispatcher_ReplaySendsEachTopicOnce(t *testing.T) {
	rec := &sendRecorder{}
	d := NewDispatcher(rec.fn, nil, nil)

	// Two subscriptions on one topic, one on another.
	_, err := d.Subscribe(context.Background(), "camera_status_update", nil, func(Event) {})
	require.NoError(t, err)
	_, err = d.Subscribe(context.Background(), "camera_status_update",
		&Filter{Equals: map[string]any{"device": "cam1"}}, func(Event) {})
	require.NoError(t, err)
	removeRec, err := d.Subscribe(context.Background(), "recordings_update", nil, func(Event) {})
	require.NoError(t, err)

	rec.mu.Lock()
	rec.topics = nil
	rec.mu.Unlock()

	d.Replay(context.Background())
	assert.Equal(t, []string{"camera_status_update", "recordings_update"}, rec.sent())

	// A removed topic is not replayed.
	removeRec()
	rec.mu.Lock()
	rec.topics = nil
	rec.mu.Unlock()

	d.Replay(context.Background())
	assert.Equal(t, []string{"camera_status_update"}, rec.sent())
}

func TestDispatcher_SubscribeSendFailureTolerated(t *testing.T) {
	rec := &sendRecorder{err: assert.AnError}
	d := NewDispatcher(rec.fn, nil, nil)

	// The send failing (e.g. disconnected) must not fail the subscription.
	_, err := d.Subscribe(context.Background(), "t", nil, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, d.Topics())
}

func TestDispatcher_NonObjectPayloadDropped(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)

	var hits int
	_, err := d.Subscribe(context.Background(), "t", nil, func(Event) { hits++ })
	require.NoError(t, err)

	d.Dispatch("t", json.RawMessage(`[1,2,3]`))
	assert.Equal(t, 0, hits)
}
