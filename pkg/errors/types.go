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

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel causes carried inside a TransportError. Callers distinguish a
// graceful teardown from a connection lost mid-flight via errors.Is.
var (
	// ErrConnectionClosed indicates an explicit, caller-initiated disconnect.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionReset indicates the connection dropped with calls in
	// flight; idempotent calls may be re-issued by the caller.
	ErrConnectionReset = errors.New("connection reset")

	// ErrTooManyInFlight indicates the configured max-in-flight bound was hit.
	ErrTooManyInFlight = errors.New("too many calls in flight")
)

// TransportError represents a socket-level failure. The transport recovers
// these locally via the reconnect loop; they surface to a caller only when
// that caller had a call in flight at the time of failure.
type TransportError struct {
	// Op is the transport operation that failed (e.g., "dial", "write").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError represents a malformed wire envelope. The offending frame is
// logged and dropped; the connection remains open.
type ProtocolError struct {
	// Reason describes what was malformed about the frame.
	Reason string

	// Err is the underlying decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates no response arrived within the call deadline.
// Timeouts are connection-state independent: a call times out even while the
// connection looks healthy.
type TimeoutError struct {
	// Method is the RPC method that timed out.
	Method string

	// Timeout is the deadline the call was issued with.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s timed out after %v", e.Method, e.Timeout)
}

// AuthReason classifies authentication failures.
type AuthReason string

const (
	// AuthRequired means a privileged call was attempted with no credential
	// available to authenticate with.
	AuthRequired AuthReason = "authentication required"

	// AuthInvalidCredential means the server rejected the credential.
	AuthInvalidCredential AuthReason = "invalid credential"

	// AuthExpired means the credential or session is past its expiry.
	AuthExpired AuthReason = "credential expired"

	// AuthRevoked means the server revoked the session.
	AuthRevoked AuthReason = "session revoked"
)

// AuthenticationError indicates an invalid, expired, or missing credential.
// Privileged calls are blocked while one of these stands.
type AuthenticationError struct {
	// Reason is the specific failure classification.
	Reason AuthReason

	// Message carries any additional server-provided detail.
	Message string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// RemoteError is a server-reported application error, surfaced verbatim with
// the server-provided code and message.
type RemoteError struct {
	// Code is the JSON-RPC error code reported by the server.
	Code int

	// Message is the server-provided error message.
	Message string

	// Data carries any structured error detail the server attached.
	Data json.RawMessage
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// CancellationError indicates the caller stopped waiting for a call. It is a
// client-side promise only; any server-side effect is not undone.
type CancellationError struct {
	// Method is the RPC method that was cancelled.
	Method string
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("call %s cancelled", e.Method)
}
