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

// Package poll provides the degraded-mode HTTP fallback: periodic status
// snapshots diffed into synthesized change events, and a request channel
// that carries the same wire frames as the live connection.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	camerrors "github.com/tombee/camwire/pkg/errors"
)

// DispatchFunc receives a synthesized change event for a topic.
type DispatchFunc func(topic string, payload map[string]any)

// Config holds the poller settings.
type Config struct {
	// Endpoint is the HTTP base URL, e.g. https://host/poll.
	Endpoint string
	// Interval between status polls.
	Interval time.Duration
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
}

// statusSnapshot is the wire shape of GET <endpoint>/status.
type statusSnapshot struct {
	Topics map[string]map[string]any `json:"topics"`
}

// Service polls the status endpoint while the connection is degraded and
// synthesizes change events from snapshot diffs. It also forwards request
// frames over HTTP so calls keep working without the live connection.
type Service struct {
	logger    *slog.Logger
	client    *http.Client
	statusURL string
	rpcURL    string
	interval  time.Duration
	limiter   *rate.Limiter
	dispatch  DispatchFunc

	mu       sync.Mutex
	active   bool
	stop     chan struct{}
	lastSeen map[string]string
	wg       sync.WaitGroup
}

// NewService creates a poller. Events go through dispatch, which must be
// safe to call from the polling goroutine.
func NewService(cfg Config, dispatch DispatchFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	return &Service{
		logger:    logger,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		statusURL: base + "/status",
		rpcURL:    base + "/rpc",
		interval:  cfg.Interval,
		// Refills at twice the tick rate so timer jitter never starves a
		// legitimate poll; still bounds runaway activation cycles.
		limiter:  rate.NewLimiter(rate.Every(cfg.Interval/2), 1),
		dispatch: dispatch,
	}
}

// Active reports whether the poller is running.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Activate starts the polling loop. The first snapshot is fetched
// immediately; every topic in it is delivered as an event so subscribers
// see the current state without waiting for a change.
func (s *Service) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.stop = make(chan struct{})
	s.lastSeen = make(map[string]string)
	degradedActive.Set(1)

	s.wg.Add(1)
	go s.loop(s.stop)
	s.logger.Info("polling fallback activated", slog.Duration("interval", s.interval))
}

// Deactivate stops the polling loop and blocks until any in-flight poll has
// finished applying. After it returns, no further synthesized event is
// delivered.
func (s *Service) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	degradedActive.Set(0)
	s.logger.Info("polling fallback deactivated")
}

func (s *Service) loop(stop chan struct{}) {
	defer s.wg.Done()

	s.pollOnce()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce fetches one status snapshot and dispatches an event for every
// topic whose payload changed since the last poll.
func (s *Service) pollOnce() {
	if !s.limiter.Allow() {
		return
	}

	snap, err := s.fetchStatus()
	if err != nil {
		pollsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("status poll failed", slog.Any("error", err))
		return
	}
	pollsTotal.WithLabelValues("ok").Inc()

	for topic, payload := range snap.Topics {
		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if prev, ok := s.lastSeen[topic]; ok && prev == string(raw) {
			continue
		}
		s.lastSeen[topic] = string(raw)
		pollEventsTotal.Inc()
		s.dispatch(topic, payload)
	}
}

func (s *Service) fetchStatus() (*statusSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.statusURL, nil)
	if err != nil {
		return nil, &camerrors.TransportError{Op: "poll", Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &camerrors.TransportError{Op: "poll", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &camerrors.TransportError{Op: "poll", Err: fmt.Errorf("status endpoint returned %s", resp.Status)}
	}

	var snap statusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &camerrors.ProtocolError{Reason: "malformed status snapshot", Err: err}
	}
	return &snap, nil
}

// Call forwards a request frame over HTTP and returns the response frame.
// The body is the same envelope that would go over the live connection.
func (s *Service) Call(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(frame))
	if err != nil {
		return nil, &camerrors.TransportError{Op: "poll-rpc", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &camerrors.TransportError{Op: "poll-rpc", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &camerrors.TransportError{Op: "poll-rpc", Err: fmt.Errorf("rpc endpoint returned %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &camerrors.TransportError{Op: "poll-rpc", Err: err}
	}
	return body, nil
}
