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

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version carried in every envelope.
const Version = "2.0"

var (
	// ErrInvalidMessage is returned when a frame cannot be parsed.
	ErrInvalidMessage = errors.New("protocol: invalid message format")

	// ErrUnsupportedVersion is returned when a frame carries the wrong
	// jsonrpc version marker.
	ErrUnsupportedVersion = errors.New("protocol: unsupported jsonrpc version")
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Service-level error codes reported by the camera service.
const (
	CodeAuthRequired      = -32001
	CodeInvalidCredential = -32002
	CodeSessionExpired    = -32003
	CodeSessionRevoked    = -32004
)

// Kind identifies the role of a decoded message.
type Kind int

const (
	// KindInvalid marks a frame that fits no JSON-RPC shape.
	KindInvalid Kind = iota

	// KindRequest is a client-to-server call carrying an id.
	KindRequest

	// KindResponse is a server reply correlated by id.
	KindResponse

	// KindNotification is a server-pushed message with no id.
	KindNotification
)

// ID is a JSON-RPC correlation token. The service echoes ids verbatim; this
// client always generates string ids, but decoding tolerates numeric ids for
// robustness against other producers.
type ID string

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// UnmarshalJSON implements json.Unmarshaler, accepting string or number ids.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID(n.String())
		return nil
	}
	return fmt.Errorf("%w: id must be a string or number", ErrInvalidMessage)
}

// NewID generates a fresh correlation token. Tokens are uuid v4 strings and
// are never reused while any call sharing one could still be in flight.
func NewID() ID {
	return ID(uuid.New().String())
}

// Message is the JSON-RPC 2.0 envelope for requests, responses, and
// notifications.
type Message struct {
	// JSONRPC is the protocol version marker, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// Method is the RPC method (request) or topic (notification).
	Method string `json:"method,omitempty"`

	// Params contains call parameters or notification payload.
	Params json.RawMessage `json:"params,omitempty"`

	// Result contains the response data (response only).
	Result json.RawMessage `json:"result,omitempty"`

	// Error contains server-reported error information (response only).
	Error *ErrorObject `json:"error,omitempty"`

	// ID correlates a request with its response; absent on notifications.
	ID *ID `json:"id,omitempty"`
}

// ErrorObject is the JSON-RPC error member of a response.
type ErrorObject struct {
	// Code is a machine-readable error code.
	Code int `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Data carries additional error context.
	Data json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("%s (code %s)", e.Message, strconv.Itoa(e.Code))
}

// NewRequest creates a request envelope with a generated correlation token.
func NewRequest(method string, params interface{}) (*Message, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal params: %w", err)
		}
		paramsJSON = data
	}

	id := NewID()
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
		ID:      &id,
	}, nil
}

// Kind classifies the message. Server-to-client requests (method plus id) are
// not part of the camera-service protocol; they classify as KindRequest and
// the receive path drops them as protocol errors.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID == nil:
		return KindNotification
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.ID != nil && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Validate checks that the envelope is well-formed.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("%w: got %q", ErrUnsupportedVersion, m.JSONRPC)
	}
	if m.Kind() == KindInvalid {
		return fmt.Errorf("%w: neither call, response, nor notification", ErrInvalidMessage)
	}
	if m.Result != nil && m.Error != nil {
		return fmt.Errorf("%w: response carries both result and error", ErrInvalidMessage)
	}
	return nil
}

// UnmarshalParams unmarshals the params field into the given value.
func (m *Message) UnmarshalParams(v interface{}) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// UnmarshalResult unmarshals the result field into the given value.
func (m *Message) UnmarshalResult(v interface{}) error {
	if m.Result == nil {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// Marshal encodes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes and validates a wire frame.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &msg, nil
}
