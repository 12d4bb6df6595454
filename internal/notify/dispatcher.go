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

// Package notify routes server-pushed notifications to registered topic
// listeners. Subscriptions are connection-agnostic: they survive reconnects
// and are replayed to the server, which holds no subscription state across
// disconnects. Delivery is at-most-once and best-effort; events generated
// during an outage are not replayed.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/camwire/internal/log"
)

// Event is a single dispatched notification. Transient: handed to matching
// handlers synchronously and discarded.
type Event struct {
	// Topic is the notification topic (the JSON-RPC method of the push).
	Topic string

	// Payload is the decoded notification payload.
	Payload map[string]any

	// ReceivedAt is when the frame arrived.
	ReceivedAt time.Time
}

// Handler consumes events for one subscription.
type Handler func(Event)

// SendFunc issues a subscribe or unsubscribe request for a topic on the live
// connection. Failures are tolerated: replay after the next Connected
// transition reconciles server state.
type SendFunc func(ctx context.Context, topic string) error

type subscription struct {
	id      uint64
	topic   string
	filter  *Filter
	handler Handler
}

// Dispatcher owns the subscription set.
type Dispatcher struct {
	logger      *slog.Logger
	subscribe   SendFunc
	unsubscribe SendFunc

	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID uint64
}

// NewDispatcher creates a dispatcher. subscribe/unsubscribe are invoked when
// a topic gains its first or loses its last subscription.
func NewDispatcher(subscribe, unsubscribe SendFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:      logger,
		subscribe:   subscribe,
		unsubscribe: unsubscribe,
		subs:        make(map[string][]*subscription),
	}
}

// Subscribe records a subscription and, for the first subscription on a
// topic, asks the server to start pushing it. It returns the unsubscribe
// function. Multiple subscriptions to one topic with different filters
// coexist; the server-side subscribe is sent once per topic.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string, filter *Filter, handler Handler) (func(), error) {
	if err := filter.compile(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.nextID++
	sub := &subscription{id: d.nextID, topic: topic, filter: filter, handler: handler}
	first := len(d.subs[topic]) == 0
	d.subs[topic] = append(d.subs[topic], sub)
	subscriptionsActive.Set(float64(d.count()))
	d.mu.Unlock()

	if first && d.subscribe != nil {
		if err := d.subscribe(ctx, topic); err != nil {
			// Not fatal: the topic is recorded and will be replayed on the
			// next Connected transition.
			d.logger.Debug("subscribe request not delivered, will replay",
				slog.String(log.TopicKey, topic), slog.Any("error", err))
		}
	}

	return func() { d.remove(topic, sub.id) }, nil
}

// remove drops one subscription and, when it was the topic's last, tells the
// server to stop pushing it.
func (d *Dispatcher) remove(topic string, id uint64) {
	d.mu.Lock()
	list := d.subs[topic]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.subs, topic)
	} else {
		d.subs[topic] = list
	}
	last := len(list) == 0
	subscriptionsActive.Set(float64(d.count()))
	d.mu.Unlock()

	if last && d.unsubscribe != nil {
		if err := d.unsubscribe(context.Background(), topic); err != nil {
			d.logger.Debug("unsubscribe request not delivered",
				slog.String(log.TopicKey, topic), slog.Any("error", err))
		}
	}
}

// count returns total subscriptions. Caller holds d.mu.
func (d *Dispatcher) count() int {
	n := 0
	for _, list := range d.subs {
		n += len(list)
	}
	return n
}

// Dispatch delivers a notification to every matching handler, synchronously,
// in registration order. A panicking handler must not prevent the remaining
// handlers from running.
func (d *Dispatcher) Dispatch(topic string, params json.RawMessage) {
	var payload map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &payload); err != nil {
			d.logger.Warn("notification payload is not an object, dropped",
				slog.String(log.TopicKey, topic), slog.Any("error", err))
			return
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	d.mu.Lock()
	matched := make([]*subscription, 0, len(d.subs[topic]))
	for _, sub := range d.subs[topic] {
		if sub.filter.Match(payload) {
			matched = append(matched, sub)
		}
	}
	d.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	event := Event{Topic: topic, Payload: payload, ReceivedAt: time.Now()}
	notificationsDispatched.WithLabelValues(topic).Inc()

	for _, sub := range matched {
		d.invoke(sub, event)
	}
}

// invoke runs one handler with panic isolation.
func (d *Dispatcher) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.Inc()
			d.logger.Error("notification handler panicked",
				slog.String(log.TopicKey, sub.topic), slog.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// Replay re-sends the subscribe request for every topic that still has
// subscribers. Invoked immediately after each Connected transition; the
// server remembers nothing across disconnects. Each topic is sent exactly
// once regardless of subscriber count.
func (d *Dispatcher) Replay(ctx context.Context) {
	if d.subscribe == nil {
		return
	}

	for _, topic := range d.Topics() {
		if err := d.subscribe(ctx, topic); err != nil {
			d.logger.Warn("subscription replay failed",
				slog.String(log.TopicKey, topic), slog.Any("error", err))
		}
	}
}

// Topics returns the distinct topics with active subscriptions, sorted.
func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	topics := make([]string, 0, len(d.subs))
	for topic := range d.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
