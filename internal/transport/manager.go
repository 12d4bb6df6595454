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

// Package transport owns the single logical connection to the camera
// service: websocket lifecycle, heartbeat, reconnect with backoff, and the
// degraded-mode handover to the polling fallback.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/camwire/internal/log"
	camerrors "github.com/tombee/camwire/pkg/errors"
)

const (
	// writeTimeout bounds every frame write.
	writeTimeout = 10 * time.Second

	// maxHeartbeatMisses is how many consecutive unanswered pings force a
	// reconnect. Detects half-open connections where the socket looks fine.
	maxHeartbeatMisses = 3
)

var (
	// ErrClosed is returned for operations on a manager that was shut down.
	ErrClosed = errors.New("transport: manager closed")

	errNotConnected = errors.New("not connected")
	errAlreadyUp    = errors.New("transport: already started")
)

// Config holds the connection manager parameters. Validation happens at
// client construction; the manager re-checks only the endpoint shape since a
// malformed endpoint is its one terminal failure.
type Config struct {
	Endpoint string

	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	// DegradedAfterAttempts and DegradedAfterElapsed trip degraded mode,
	// whichever is reached first. Zero disables the respective trigger.
	DegradedAfterAttempts int
	DegradedAfterElapsed  time.Duration
}

// Hooks connect the manager to the rest of the client. They are invoked
// synchronously from the manager's goroutines, in a fixed order on reconnect:
// OnRecovered (when leaving degraded mode) strictly before OnConnected, so
// polling is deactivated before any queued work is released.
type Hooks struct {
	// OnFrame receives every inbound wire frame.
	OnFrame func(data []byte)

	// OnConnected fires after each transition to Connected, including the
	// first. Re-authentication and subscription replay hang off this.
	OnConnected func()

	// OnDisconnected fires when a connection is torn down, with the error
	// pending calls must be rejected with.
	OnDisconnected func(err error)

	// OnDegraded fires once per outage when the degraded threshold trips.
	OnDegraded func()

	// OnRecovered fires when a background reconnect succeeds while degraded.
	OnRecovered func()
}

// Manager owns the connection state machine. It is the sole writer of State.
type Manager struct {
	cfg     Config
	hooks   Hooks
	logger  *slog.Logger
	dialer  *websocket.Dialer
	backoff *backoff

	// done is closed by Close and stops the reconnect loop.
	done chan struct{}

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	closed       bool
	reconnecting bool
	missed       int
	degradedSend func([]byte) ([]byte, error)
	observers    map[int]func(StateChange)
	nextObserver int

	// writeMu serializes data frame writes on the active connection.
	writeMu sync.Mutex
}

// New creates a connection manager. Connect starts it.
func New(cfg Config, hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		backoff:   newBackoff(cfg.BackoffBase, cfg.BackoffMax),
		done:      make(chan struct{}),
		state:     StateDisconnected,
		observers: make(map[int]func(StateChange)),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers an observer for state transitions and returns its
// removal function. Observers are invoked synchronously.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// SetDegradedSender installs the request-style channel used for calls while
// degraded. The sender returns the raw response frame, or nil when the poll
// channel produced none.
func (m *Manager) SetDegradedSender(fn func([]byte) ([]byte, error)) {
	m.mu.Lock()
	m.degradedSend = fn
	m.mu.Unlock()
}

// transition moves the state machine and notifies observers outside the lock.
func (m *Manager) transition(to State, attempt int, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	fns := make([]func(StateChange), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	connectionState.Set(float64(to))

	if from != to {
		m.logger.Debug("state changed",
			slog.String(log.StateKey, to.String()),
			slog.Int(log.AttemptKey, attempt))
	}

	change := StateChange{From: from, To: to, Attempt: attempt, Err: err, At: time.Now()}
	for _, fn := range fns {
		fn(change)
	}
}

// Connect opens the transport. On a dial failure the reconnect loop starts in
// the background and the dial error is returned; the manager keeps retrying
// forever. A malformed endpoint transitions to Failed and is terminal.
func (m *Manager) Connect(ctx context.Context) error {
	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		m.transition(StateFailed, 0, err)
		return fmt.Errorf("transport: malformed endpoint %q", m.cfg.Endpoint)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return errAlreadyUp
	}
	m.mu.Unlock()

	m.transition(StateConnecting, 0, nil)

	conn, _, err := m.dialer.DialContext(ctx, m.cfg.Endpoint, nil)
	if err != nil {
		m.logger.Warn("initial dial failed, retrying in background",
			slog.String("endpoint", m.cfg.Endpoint), slog.Any("error", err))
		m.transition(StateReconnecting, 0, err)
		m.startReconnect()
		return &camerrors.TransportError{Op: "dial", Err: err}
	}

	m.adopt(conn)
	m.transition(StateConnected, 0, nil)
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected()
	}
	return nil
}

// adopt installs a freshly dialed connection and starts its pumps.
func (m *Manager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.missed = 0
	m.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		m.mu.Lock()
		m.missed = 0
		m.mu.Unlock()
		return nil
	})

	go m.readLoop(conn)
	go m.heartbeatLoop(conn)
}

// readLoop pumps inbound frames until the connection dies.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.connLost(conn, err)
			return
		}
		if m.hooks.OnFrame != nil {
			m.hooks.OnFrame(data)
		}
	}
}

// heartbeatLoop checks liveness. Each tick sends a ping and counts it missed
// until the pong arrives; maxHeartbeatMisses consecutive misses force a
// reconnect even if the socket appears open.
func (m *Manager) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.conn != conn {
				m.mu.Unlock()
				return
			}
			missed := m.missed
			m.missed++
			m.mu.Unlock()

			if missed > 0 {
				heartbeatMisses.Inc()
			}
			if missed >= maxHeartbeatMisses {
				m.logger.Warn("heartbeat misses exceeded, forcing reconnect",
					slog.Int("misses", missed))
				conn.Close()
				return
			}

			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Debug("heartbeat ping failed", slog.Any("error", err))
				conn.Close()
				return
			}
		}
	}
}

// connLost handles an unexpected connection loss: pending calls are rejected
// with a connection-reset error and the reconnect loop starts.
func (m *Manager) connLost(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		// Already torn down, or a stale pump from a previous connection.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	conn.Close()
	m.logger.Warn("connection lost", slog.Any("error", cause))
	m.transition(StateReconnecting, 0, cause)

	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected(&camerrors.TransportError{Op: "read", Err: camerrors.ErrConnectionReset})
	}

	m.startReconnect()
}

// startReconnect spawns the reconnect loop if one is not already running.
func (m *Manager) startReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go m.reconnectLoop()
}

// reconnectLoop retries forever with capped exponential backoff. After the
// degraded threshold trips it keeps retrying in the background while the
// polling fallback carries traffic.
func (m *Manager) reconnectLoop() {
	m.backoff.reset()
	outageStart := time.Now()
	attempt := 0

	for {
		select {
		case <-m.done:
			return
		case <-time.After(m.backoff.next()):
		}

		attempt++
		conn, _, err := m.dialer.DialContext(context.Background(), m.cfg.Endpoint, nil)
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				conn.Close()
				return
			}
			wasDegraded := m.state == StateDegraded
			m.reconnecting = false
			m.mu.Unlock()

			reconnectAttempts.WithLabelValues("success").Inc()
			m.adopt(conn)
			m.transition(StateConnected, attempt, nil)

			// Polling must be off before queued work is released.
			if wasDegraded && m.hooks.OnRecovered != nil {
				m.hooks.OnRecovered()
			}
			if m.hooks.OnConnected != nil {
				m.hooks.OnConnected()
			}
			return
		}

		reconnectAttempts.WithLabelValues("failure").Inc()
		m.logger.Warn("reconnect attempt failed",
			slog.Int(log.AttemptKey, attempt), slog.Any("error", err))

		if m.State() == StateDegraded {
			// Stay degraded; the polling fallback is carrying traffic.
			continue
		}

		// Each failed attempt is reported to observers but is not fatal.
		m.transition(StateReconnecting, attempt, err)

		if m.degradedTripped(attempt, time.Since(outageStart)) {
			degradedTransitions.Inc()
			m.logger.Warn("entering degraded mode, polling fallback active",
				slog.Int(log.AttemptKey, attempt))
			m.transition(StateDegraded, attempt, err)
			if m.hooks.OnDegraded != nil {
				m.hooks.OnDegraded()
			}
		}
	}
}

// degradedTripped reports whether either degraded-mode threshold is reached.
func (m *Manager) degradedTripped(attempts int, elapsed time.Duration) bool {
	if m.cfg.DegradedAfterAttempts > 0 && attempts >= m.cfg.DegradedAfterAttempts {
		return true
	}
	if m.cfg.DegradedAfterElapsed > 0 && elapsed >= m.cfg.DegradedAfterElapsed {
		return true
	}
	return false
}

// Send transmits one frame. While degraded, frames are routed over the
// request-style poll channel when one is installed; its response (if any) is
// fed back through the normal receive path.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	state := m.state
	conn := m.conn
	degradedSend := m.degradedSend
	m.mu.Unlock()

	switch {
	case state == StateConnected && conn != nil:
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return &camerrors.TransportError{Op: "write", Err: err}
		}
		return nil

	case state == StateDegraded && degradedSend != nil:
		resp, err := degradedSend(data)
		if err != nil {
			return &camerrors.TransportError{Op: "poll-rpc", Err: err}
		}
		if resp != nil && m.hooks.OnFrame != nil {
			m.hooks.OnFrame(resp)
		}
		return nil

	default:
		return &camerrors.TransportError{Op: "write", Err: errNotConnected}
	}
}

// Close gracefully tears the connection down. Pending calls are rejected
// with a connection-closed error via OnDisconnected. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"), deadline)
		conn.Close()
	}

	m.transition(StateDisconnected, 0, nil)
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected(&camerrors.TransportError{Op: "close", Err: camerrors.ErrConnectionClosed})
	}
	return nil
}
