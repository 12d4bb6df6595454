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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/camwire/internal/config"
	camerrors "github.com/tombee/camwire/pkg/errors"
)

const goodCredential = "good-token"

// wireFrame is the loose envelope the stub server reads and writes.
type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   map[string]any  `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// stubService is an in-process camera service speaking JSON-RPC over
// websocket, with just enough behavior to exercise the client end to end.
type stubService struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	conns      map[*websocket.Conn]*sync.Mutex
	authCount  int
	subscribed map[string]int
}

func newStubService(t *testing.T) *stubService {
	t.Helper()
	s := &stubService{
		t:          t,
		conns:      make(map[*websocket.Conn]*sync.Mutex),
		subscribed: make(map[string]int),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		writeMu := &sync.Mutex{}
		s.mu.Lock()
		s.conns[conn] = writeMu
		s.mu.Unlock()
		go s.serve(conn, writeMu)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubService) endpoint() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *stubService) serve(conn *websocket.Conn, writeMu *sync.Mutex) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		reply := s.handle(frame)
		if reply == nil {
			continue
		}
		raw, _ := json.Marshal(reply)
		writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		writeMu.Unlock()
	}
}

func (s *stubService) handle(frame wireFrame) *wireFrame {
	reply := &wireFrame{JSONRPC: "2.0", ID: frame.ID}
	switch frame.Method {
	case "authenticate":
		var params struct {
			Credential string `json:"credential"`
		}
		_ = json.Unmarshal(frame.Params, &params)
		s.mu.Lock()
		s.authCount++
		s.mu.Unlock()
		if params.Credential != goodCredential {
			reply.Error = map[string]any{"code": -32002, "message": "invalid credential"}
			return reply
		}
		reply.Result = map[string]any{
			"role":       "operator",
			"session_id": "sess-1",
			"expires_at": time.Now().Add(time.Hour),
		}
	case "subscribe", "unsubscribe":
		var params struct {
			Topic string `json:"topic"`
		}
		_ = json.Unmarshal(frame.Params, &params)
		delta := 1
		if frame.Method == "unsubscribe" {
			delta = -1
		}
		s.mu.Lock()
		s.subscribed[params.Topic] += delta
		s.mu.Unlock()
		reply.Result = map[string]any{}
	case "get_status":
		reply.Result = map[string]any{"recording": false}
	case "start_recording":
		reply.Result = map[string]any{"started": true}
	case "echo":
		var params map[string]any
		_ = json.Unmarshal(frame.Params, &params)
		reply.Result = params
	case "slow":
		return nil // never answered
	case "boom":
		reply.Error = map[string]any{"code": -32603, "message": "kaboom"}
	default:
		reply.Error = map[string]any{"code": -32601, "message": "method not found"}
	}
	return reply
}

// push sends a notification to every live connection.
func (s *stubService) push(topic string, payload map[string]any) {
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  topic,
		"params":  payload,
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, writeMu := range s.conns {
		writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		writeMu.Unlock()
	}
}

// dropConns severs every live connection, forcing the client to reconnect.
func (s *stubService) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

func (s *stubService) authCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCount
}

func (s *stubService) subscriberCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[topic]
}

func testConfig(endpoint string) *config.Config {
	cfg := config.Default()
	cfg.Endpoint = endpoint
	cfg.Transport.BackoffBase = 10 * time.Millisecond
	cfg.Transport.BackoffMax = 50 * time.Millisecond
	cfg.Transport.HeartbeatInterval = time.Hour
	cfg.Transport.DegradedAfterAttempts = 1000
	cfg.Transport.DegradedAfterElapsed = time.Hour
	cfg.Calls.DefaultTimeout = 2 * time.Second
	cfg.Calls.SweepInterval = 10 * time.Millisecond
	cfg.Poll.Interval = 20 * time.Millisecond
	cfg.Poll.RequestTimeout = time.Second
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	client, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCallRoundtrip(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	result, err := client.Call(context.Background(), "get_status", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"recording":false}`, string(result))
	assert.Equal(t, Connected, client.State())
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	results := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Call(context.Background(), "echo", map[string]any{"i": i})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		var out map[string]any
		require.NoError(t, json.Unmarshal(results[i], &out))
		assert.Equal(t, float64(i), out["i"], "response must match its own request")
	}
}

func TestRemoteErrorSurfaced(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	_, err := client.Call(context.Background(), "boom", nil)
	var remote *camerrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, -32603, remote.Code)
	assert.Equal(t, "kaboom", remote.Message)
}

func TestCallTimeout(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	_, err := client.Call(context.Background(), "slow", nil, WithTimeout(50*time.Millisecond))
	assert.True(t, camerrors.IsTimeout(err), "expected timeout, got %v", err)
}

func TestCallContextCancellation(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, "slow", nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, camerrors.IsCancellation(err), "expected cancellation, got %v", err)
}

func TestPrivilegedCallRequiresSession(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	_, err := client.Call(context.Background(), "start_recording", nil, Privileged())
	var authErr *camerrors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, camerrors.AuthRequired, authErr.Reason)
}

func TestAuthenticateAndPrivilegedCall(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	sess, err := client.Authenticate(context.Background(), goodCredential)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, sess.Role)
	assert.True(t, client.Session().Authenticated)

	result, err := client.Call(context.Background(), "start_recording", nil, Privileged())
	require.NoError(t, err)
	assert.JSONEq(t, `{"started":true}`, string(result))
}

func TestInvalidCredentialRejected(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	_, err := client.Authenticate(context.Background(), "wrong")
	var authErr *camerrors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, camerrors.AuthInvalidCredential, authErr.Reason)
	assert.False(t, client.Session().Authenticated)
}

func TestNotificationsReachSubscribers(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	events := make(chan Event, 4)
	cancel, err := client.Subscribe(context.Background(), "camera.status", nil, func(ev Event) {
		events <- ev
	})
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, 1, service.subscriberCount("camera.status"))

	service.push("camera.status", map[string]any{"recording": true})
	select {
	case ev := <-events:
		assert.Equal(t, "camera.status", ev.Topic)
		assert.Equal(t, true, ev.Payload["recording"])
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestFilteredSubscription(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	events := make(chan Event, 4)
	cancel, err := client.Subscribe(context.Background(), "camera.status",
		&Filter{Equals: map[string]any{"device": "cam0"}},
		func(ev Event) { events <- ev })
	require.NoError(t, err)
	defer cancel()

	service.push("camera.status", map[string]any{"device": "cam1", "n": 1})
	service.push("camera.status", map[string]any{"device": "cam0", "n": 2})

	select {
	case ev := <-events:
		assert.Equal(t, "cam0", ev.Payload["device"])
	case <-time.After(time.Second):
		t.Fatal("filtered notification not delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectRestoresSessionAndSubscriptions(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	_, err := client.Authenticate(context.Background(), goodCredential)
	require.NoError(t, err)

	events := make(chan Event, 4)
	unsubscribe, err := client.Subscribe(context.Background(), "camera.status", nil, func(ev Event) {
		events <- ev
	})
	require.NoError(t, err)
	defer unsubscribe()

	service.dropConns()

	// The client must reconnect, re-authenticate, and re-subscribe on its own.
	require.Eventually(t, func() bool {
		return client.State() == Connected && service.authCalls() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return service.subscriberCount("camera.status") >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, client.Session().Authenticated)

	service.push("camera.status", map[string]any{"recording": true})
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered after reconnect")
	}
}

func TestDisconnectRejectsPendingCalls(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "slow", nil, WithTimeout(10*time.Second))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	service.dropConns()

	select {
	case err := <-done:
		assert.True(t, camerrors.IsConnectionReset(err), "expected reset, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected on disconnect")
	}
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "slow", nil, WithTimeout(10*time.Second))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, camerrors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected on close")
	}
}

func TestDegradedModeCallsAndEvents(t *testing.T) {
	// HTTP mirror serving both the status snapshot and the request channel.
	var pollMu sync.Mutex
	status := map[string]any{"recording": false}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		pollMu.Lock()
		defer pollMu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"topics": map[string]any{"camera.status": status},
		})
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var frame wireFrame
		_ = json.Unmarshal(body, &frame)
		_ = json.NewEncoder(w).Encode(wireFrame{
			JSONRPC: "2.0",
			ID:      frame.ID,
			Result:  map[string]any{"recording": false},
		})
	})
	pollSrv := httptest.NewServer(mux)
	defer pollSrv.Close()

	// Live endpoint that immediately goes away.
	service := newStubService(t)
	cfg := testConfig(service.endpoint())
	cfg.PollEndpoint = pollSrv.URL
	cfg.Transport.DegradedAfterAttempts = 2
	client := startClient(t, cfg)

	events := make(chan Event, 4)
	_, err := client.Subscribe(context.Background(), "camera.status", nil, func(ev Event) {
		events <- ev
	})
	require.NoError(t, err)

	// CloseClientConnections does not reach hijacked websocket connections,
	// so sever them directly before shutting the listener down.
	service.dropConns()
	service.srv.Close()

	require.Eventually(t, func() bool {
		return client.State() == Degraded
	}, 5*time.Second, 10*time.Millisecond)

	// Calls keep working over the request channel.
	result, err := client.Call(context.Background(), "get_status", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"recording":false}`, string(result))

	// Snapshot diffs keep the event feed alive.
	pollMu.Lock()
	status = map[string]any{"recording": true}
	pollMu.Unlock()
	select {
	case ev := <-events:
		assert.Equal(t, "camera.status", ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("no synthesized event in degraded mode")
	}
}

func TestRepeatedConnectStartsOneSweeper(t *testing.T) {
	service := newStubService(t)
	client := startClient(t, testConfig(service.endpoint()))

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		require.Error(t, client.Connect(context.Background()), "connect on a live client must be rejected")
	}
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+1,
		"repeated Connect must not stack background goroutines")

	_, err := client.Call(context.Background(), "get_status", nil)
	require.NoError(t, err)
}

func TestMalformedEndpointRejected(t *testing.T) {
	cfg := testConfig("not-a-url")
	client, err := New(cfg, WithLogger(quietLogger()))
	require.Error(t, err, "config validation rejects a malformed endpoint")
	assert.Nil(t, client)
}

func TestNewRequiresConfig(t *testing.T) {
	client, err := New(nil)
	require.Error(t, err)
	assert.Nil(t, client)
}
