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

package camera

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/camwire/internal/calls"
	"github.com/tombee/camwire/internal/config"
	"github.com/tombee/camwire/internal/log"
	"github.com/tombee/camwire/internal/notify"
	"github.com/tombee/camwire/internal/poll"
	"github.com/tombee/camwire/internal/protocol"
	"github.com/tombee/camwire/internal/session"
	"github.com/tombee/camwire/internal/transport"
	camerrors "github.com/tombee/camwire/pkg/errors"
)

// ConnectionState is the client's view of the connection lifecycle.
type ConnectionState = transport.State

// Connection states, in rough lifecycle order.
const (
	Disconnected = transport.StateDisconnected
	Connecting   = transport.StateConnecting
	Connected    = transport.StateConnected
	Reconnecting = transport.StateReconnecting
	Degraded     = transport.StateDegraded
	Failed       = transport.StateFailed
)

// StateChange describes one connection state transition.
type StateChange = transport.StateChange

// Event is a received notification.
type Event = notify.Event

// Handler consumes events for a subscription.
type Handler = notify.Handler

// Filter selects which events on a topic reach a handler.
type Filter = notify.Filter

// Session is a snapshot of the authentication session.
type Session = session.Info

// Role is the access level granted by the service.
type Role = session.Role

// Access levels.
const (
	RoleViewer   = session.RoleViewer
	RoleOperator = session.RoleOperator
	RoleAdmin    = session.RoleAdmin
)

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout    time.Duration
	privileged bool
}

// WithTimeout overrides the default call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Privileged marks a call as requiring an authenticated session. The call
// waits for authentication rather than failing while one is in progress.
func Privileged() CallOption {
	return func(o *callOptions) { o.privileged = true }
}

// Option adjusts client construction.
type Option func(*Client)

// WithLogger replaces the logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is the camera-service client: a persistent connection with
// correlated calls, push notifications, an authentication session, and a
// polling fallback for long outages.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	tracer trace.Tracer

	transport *transport.Manager
	calls     *calls.Table
	session   *session.Manager
	notify    *notify.Dispatcher
	poller    *poll.Service

	done      chan struct{}
	sweepOnce sync.Once
	closeOnce sync.Once
}

// New builds a client from cfg. Connect starts it.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, camerrors.New("camera: nil config")
	}
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/tombee/camwire/pkg/camera"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(&log.Config{
			Level:  cfg.Log.Level,
			Format: log.Format(cfg.Log.Format),
		})
	}

	c.calls = calls.NewTable(cfg.Calls.MaxInFlight, log.WithComponent(c.logger, "calls"))
	c.session = session.NewManager(c.sessionCall, log.WithComponent(c.logger, "session"))
	c.notify = notify.NewDispatcher(c.sendSubscribe, c.sendUnsubscribe, log.WithComponent(c.logger, "notify"))
	c.poller = poll.NewService(poll.Config{
		Endpoint:       cfg.PollEndpoint,
		Interval:       cfg.Poll.Interval,
		RequestTimeout: cfg.Poll.RequestTimeout,
	}, c.dispatchPolled, log.WithComponent(c.logger, "poll"))

	c.transport = transport.New(transport.Config{
		Endpoint:              cfg.Endpoint,
		BackoffBase:           cfg.Transport.BackoffBase,
		BackoffMax:            cfg.Transport.BackoffMax,
		HeartbeatInterval:     cfg.Transport.HeartbeatInterval,
		HandshakeTimeout:      cfg.Transport.HandshakeTimeout,
		DegradedAfterAttempts: cfg.Transport.DegradedAfterAttempts,
		DegradedAfterElapsed:  cfg.Transport.DegradedAfterElapsed,
	}, transport.Hooks{
		OnFrame:        c.handleFrame,
		OnConnected:    c.handleConnected,
		OnDisconnected: c.handleDisconnected,
		OnDegraded:     c.handleDegraded,
		OnRecovered:    c.handleRecovered,
	}, log.WithComponent(c.logger, "transport"))

	c.transport.SetDegradedSender(func(frame []byte) ([]byte, error) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Poll.RequestTimeout)
		defer cancel()
		return c.poller.Call(ctx, frame)
	})

	return c, nil
}

// Connect establishes the connection and starts the background machinery.
// A dial failure (other than a malformed endpoint) leaves the reconnect loop
// running; the returned error reports the first attempt only.
func (c *Client) Connect(ctx context.Context) error {
	// Repeated Connect calls must not stack sweeper goroutines.
	c.sweepOnce.Do(func() { go c.sweepLoop() })
	return c.transport.Connect(ctx)
}

// Close shuts the client down. Pending calls are rejected and the polling
// fallback is stopped. Close is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
		c.poller.Deactivate()
	})
	return err
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.transport.State()
}

// OnConnectionStateChange registers an observer for state transitions and
// returns a function that removes it.
func (c *Client) OnConnectionStateChange(fn func(StateChange)) func() {
	return c.transport.OnStateChange(fn)
}

// Session returns the current authentication session snapshot.
func (c *Client) Session() Session {
	return c.session.Info()
}

// Authenticate establishes an authenticated session with the given
// credential. The credential is remembered and replayed after reconnects.
func (c *Client) Authenticate(ctx context.Context, credential string) (Session, error) {
	return c.session.Authenticate(ctx, credential)
}

// Logout ends the session and forgets the credential.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// Call issues a correlated request and blocks until the response, the
// timeout, or ctx cancellation, whichever comes first. Privileged calls wait
// for the authentication session.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	options := callOptions{timeout: c.cfg.Calls.DefaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	ctx, span := c.tracer.Start(ctx, "camera.Call",
		trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	if options.privileged {
		if err := c.session.EnsureAuthenticated(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "authentication")
			return nil, err
		}
	}

	result, err := c.invoke(ctx, method, params, options.timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

// Subscribe registers a handler for a topic. The first subscription on a
// topic informs the server; the returned function removes the handler and,
// when it was the last one, unsubscribes server-side.
func (c *Client) Subscribe(ctx context.Context, topic string, filter *Filter, handler Handler) (func(), error) {
	return c.notify.Subscribe(ctx, topic, filter, handler)
}

// invoke runs one correlated request without privilege gating.
func (c *Client) invoke(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	pending, err := c.calls.Register(method, timeout)
	if err != nil {
		return nil, err
	}

	frame, err := buildRequest(pending.ID(), method, params)
	if err != nil {
		c.calls.Cancel(pending.ID())
		<-pending.Done()
		return nil, err
	}

	logger := log.WithCorrelationID(c.logger, string(pending.ID()))
	logger.Log(ctx, log.LevelTrace, "sending request", slog.String(log.MethodKey, method))

	if err := c.transport.Send(frame); err != nil {
		c.calls.Reject(pending.ID(), err)
		<-pending.Done()
		return nil, err
	}

	select {
	case out := <-pending.Done():
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Result, nil
	case <-ctx.Done():
		// Settlement may have raced the cancellation; the outcome channel
		// always carries exactly one value either way.
		c.calls.Cancel(pending.ID())
		out := <-pending.Done()
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Result, nil
	}
}

// sessionCall is the session manager's RPC channel. Authentication calls are
// exempt from privilege gating.
func (c *Client) sessionCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.invoke(ctx, method, params, c.cfg.Calls.DefaultTimeout)
}

func (c *Client) sendSubscribe(ctx context.Context, topic string) error {
	_, err := c.invoke(ctx, "subscribe", map[string]string{"topic": topic}, c.cfg.Calls.DefaultTimeout)
	return err
}

func (c *Client) sendUnsubscribe(ctx context.Context, topic string) error {
	_, err := c.invoke(ctx, "unsubscribe", map[string]string{"topic": topic}, c.cfg.Calls.DefaultTimeout)
	return err
}

// dispatchPolled feeds a synthesized polling event into the dispatch path.
func (c *Client) dispatchPolled(topic string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.notify.Dispatch(topic, raw)
}

// handleFrame routes every inbound frame: responses settle their pending
// call, notifications go to the dispatcher, anything else is logged and
// dropped.
func (c *Client) handleFrame(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", log.Error(err))
		return
	}

	switch msg.Kind() {
	case protocol.KindResponse:
		if msg.Error != nil {
			c.calls.Reject(*msg.ID, &camerrors.RemoteError{
				Code:    msg.Error.Code,
				Message: msg.Error.Message,
				Data:    msg.Error.Data,
			})
			return
		}
		c.calls.Resolve(*msg.ID, msg.Result)

	case protocol.KindNotification:
		c.notify.Dispatch(msg.Method, msg.Params)

	default:
		c.logger.Warn("dropping unexpected frame",
			slog.String(log.MethodKey, msg.Method))
	}
}

// handleConnected restores session state after every Connected transition:
// re-authenticate with the remembered credential, then replay subscriptions.
func (c *Client) handleConnected() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Calls.DefaultTimeout)
	defer cancel()

	c.session.HandleConnected(ctx)
	c.notify.Replay(ctx)
}

func (c *Client) handleDisconnected(err error) {
	c.session.HandleDisconnected()
	if n := c.calls.RejectAll(err); n > 0 {
		c.logger.Debug("rejected pending calls", slog.Int("count", n))
	}
}

func (c *Client) handleDegraded() {
	c.poller.Activate()
}

func (c *Client) handleRecovered() {
	c.poller.Deactivate()
}

// sweepLoop collects expired call deadlines independently of connection
// state, so timeouts fire even while reconnecting.
func (c *Client) sweepLoop() {
	ticker := time.NewTicker(c.cfg.Calls.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.calls.SweepExpired(time.Now())
		}
	}
}

// buildRequest assembles the request envelope around an already-registered
// correlation token.
func buildRequest(id protocol.ID, method string, params any) ([]byte, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, &camerrors.ProtocolError{Reason: "marshal params", Err: err}
		}
		paramsJSON = data
	}
	msg := &protocol.Message{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  paramsJSON,
		ID:      &id,
	}
	return msg.Marshal()
}
