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

// Package session gates privileged operations behind a valid, non-expired
// credential. A fresh connection has no implicit trust: every reconnect
// re-authenticates with the remembered credential before privileged calls
// are released.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/camwire/internal/log"
	"github.com/tombee/camwire/internal/protocol"
	camerrors "github.com/tombee/camwire/pkg/errors"
)

// expiryLeeway is how far ahead of the known expiry the session is treated
// as stale. Never wait for the server to reject a call with a token the
// client already knows is expiring.
const expiryLeeway = 30 * time.Second

// Role is the access level granted by the service.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Info is a read-only snapshot of the authentication session.
type Info struct {
	Role          Role
	SessionID     string
	ExpiresAt     time.Time
	Authenticated bool
}

// Caller issues an RPC through the correlation table. The session manager
// uses it for the privileged-exempt authenticate and logout calls.
type Caller func(ctx context.Context, method string, params any) (json.RawMessage, error)

// authResult is the wire shape of a successful authenticate response.
type authResult struct {
	Role      string    `json:"role"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager owns the AuthSession.
type Manager struct {
	logger *slog.Logger
	caller Caller

	mu           sync.Mutex
	info         Info
	credential   string
	authInFlight bool
	waiters      []chan error
	expiryTimer  *time.Timer
}

// NewManager creates a session manager issuing auth calls through caller.
func NewManager(caller Caller, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, caller: caller}
}

// Info returns the current session snapshot.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// valid reports whether a usable session exists. Caller holds m.mu.
func (m *Manager) valid() bool {
	if !m.info.Authenticated {
		return false
	}
	if m.info.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(m.info.ExpiresAt.Add(-expiryLeeway))
}

// Authenticate issues the authenticate call and stores the resulting session.
// The credential is remembered and replayed after every reconnect. On failure
// the session stays unauthenticated and any queued privileged calls are
// rejected.
func (m *Manager) Authenticate(ctx context.Context, credential string) (Info, error) {
	m.mu.Lock()
	m.authInFlight = true
	m.mu.Unlock()

	m.logger.Debug("authenticating",
		slog.String("credential", log.SanitizeCredential(credential)))

	result, err := m.caller(ctx, "authenticate", map[string]string{"credential": credential})
	if err != nil {
		authErr := classifyAuthFailure(err)
		m.logger.Warn("authentication failed", slog.Any("error", authErr))

		m.mu.Lock()
		m.info = Info{}
		m.authInFlight = false
		waiters := m.takeWaiters()
		m.mu.Unlock()

		// Queued privileged calls are rejected rather than sent.
		rejection := &camerrors.AuthenticationError{Reason: camerrors.AuthRequired, Message: "authentication failed"}
		for _, w := range waiters {
			w <- rejection
		}
		return Info{}, authErr
	}

	var parsed authResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		m.mu.Lock()
		m.authInFlight = false
		waiters := m.takeWaiters()
		m.mu.Unlock()

		rejection := &camerrors.AuthenticationError{Reason: camerrors.AuthRequired, Message: "authentication failed"}
		for _, w := range waiters {
			w <- rejection
		}
		return Info{}, &camerrors.ProtocolError{Reason: "malformed authenticate result", Err: err}
	}

	expiresAt := parsed.ExpiresAt
	if tokenExp, ok := credentialExpiry(credential); ok {
		// The earlier of server-reported and token-embedded expiry wins.
		if expiresAt.IsZero() || tokenExp.Before(expiresAt) {
			expiresAt = tokenExp
		}
	}

	info := Info{
		Role:          Role(parsed.Role),
		SessionID:     parsed.SessionID,
		ExpiresAt:     expiresAt,
		Authenticated: true,
	}

	m.mu.Lock()
	m.info = info
	m.credential = credential
	m.authInFlight = false
	m.scheduleExpiry()
	waiters := m.takeWaiters()
	m.mu.Unlock()

	m.logger.Info("authenticated",
		slog.String("role", parsed.Role),
		slog.String("session_id", parsed.SessionID),
		slog.Time("expires_at", expiresAt))

	for _, w := range waiters {
		w <- nil
	}
	return info, nil
}

// EnsureAuthenticated blocks a privileged call until a valid session exists.
// With no session and no remembered credential it rejects immediately; with a
// credential it joins (or starts) an authentication and waits for its outcome.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.Lock()
	if m.valid() {
		m.mu.Unlock()
		return nil
	}
	if m.credential == "" && !m.authInFlight {
		m.mu.Unlock()
		return &camerrors.AuthenticationError{Reason: camerrors.AuthRequired}
	}

	ch := make(chan error, 1)
	m.waiters = append(m.waiters, ch)
	// Claim the single-flight slot under this lock: two callers racing past
	// it would otherwise each start their own authenticate call.
	startAuth := !m.authInFlight && m.credential != ""
	if startAuth {
		m.authInFlight = true
	}
	credential := m.credential
	m.mu.Unlock()

	if startAuth {
		go func() {
			_, _ = m.Authenticate(context.Background(), credential)
		}()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleConnected re-authenticates after a reconnect. Runs synchronously from
// the Connected transition so queued privileged calls are released only after
// the session is re-established.
func (m *Manager) HandleConnected(ctx context.Context) {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	if credential == "" {
		return
	}
	if _, err := m.Authenticate(ctx, credential); err != nil {
		m.logger.Warn("re-authentication after reconnect failed", slog.Any("error", err))
	}
}

// HandleDisconnected invalidates the session on transport loss. The
// credential is kept for the automatic re-authentication after reconnect.
func (m *Manager) HandleDisconnected() {
	m.mu.Lock()
	m.info = Info{}
	m.stopExpiryTimer()
	m.mu.Unlock()
}

// Logout explicitly ends the session and forgets the credential. The server
// call is best-effort; local state is cleared regardless.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	hadSession := m.info.Authenticated
	m.info = Info{}
	m.credential = ""
	m.stopExpiryTimer()
	m.mu.Unlock()

	if !hadSession {
		return nil
	}
	if _, err := m.caller(ctx, "logout", nil); err != nil {
		return camerrors.Wrap(err, "logout")
	}
	return nil
}

// scheduleExpiry arms the proactive expiry check shortly before ExpiresAt.
// Caller holds m.mu.
func (m *Manager) scheduleExpiry() {
	m.stopExpiryTimer()
	if m.info.ExpiresAt.IsZero() {
		return
	}

	d := time.Until(m.info.ExpiresAt.Add(-expiryLeeway))
	if d <= 0 {
		// Already inside the leeway window; valid() treats the session as
		// stale and an immediate refresh would land right back here.
		return
	}
	m.expiryTimer = time.AfterFunc(d, m.onExpiry)
}

// stopExpiryTimer disarms the expiry check. Caller holds m.mu.
func (m *Manager) stopExpiryTimer() {
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
}

// onExpiry marks the session unauthenticated ahead of the known expiry and
// attempts a refresh with the held credential.
func (m *Manager) onExpiry() {
	m.mu.Lock()
	if !m.info.Authenticated {
		m.mu.Unlock()
		return
	}
	m.info.Authenticated = false
	credential := m.credential
	m.mu.Unlock()

	m.logger.Info("session expiring, refreshing")
	if credential == "" {
		return
	}
	info, err := m.Authenticate(context.Background(), credential)
	if err != nil {
		m.logger.Warn("session refresh failed", slog.Any("error", err))
		return
	}
	if !info.ExpiresAt.IsZero() && !time.Now().Before(info.ExpiresAt.Add(-expiryLeeway)) {
		// Refreshing cannot extend a session the server keeps issuing
		// near its expiry; stop instead of refreshing again immediately.
		m.mu.Lock()
		m.info.Authenticated = false
		m.stopExpiryTimer()
		m.mu.Unlock()
		m.logger.Warn("refreshed session already near expiry, treating as expired",
			slog.Time("expires_at", info.ExpiresAt))
	}
}

// takeWaiters drains the privileged-call queue. Caller holds m.mu.
func (m *Manager) takeWaiters() []chan error {
	waiters := m.waiters
	m.waiters = nil
	return waiters
}

// classifyAuthFailure maps an authenticate call failure to the specific
// authentication error the caller should see.
func classifyAuthFailure(err error) error {
	var remote *camerrors.RemoteError
	if camerrors.As(err, &remote) {
		switch remote.Code {
		case protocol.CodeInvalidCredential:
			return &camerrors.AuthenticationError{Reason: camerrors.AuthInvalidCredential, Message: remote.Message}
		case protocol.CodeSessionExpired:
			return &camerrors.AuthenticationError{Reason: camerrors.AuthExpired, Message: remote.Message}
		case protocol.CodeSessionRevoked:
			return &camerrors.AuthenticationError{Reason: camerrors.AuthRevoked, Message: remote.Message}
		case protocol.CodeAuthRequired:
			return &camerrors.AuthenticationError{Reason: camerrors.AuthRequired, Message: remote.Message}
		}
	}
	return err
}

// credentialExpiry extracts the exp claim when the credential is a JWT.
// The token is not verified; only the client-visible expiry matters here.
func credentialExpiry(credential string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(credential, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
