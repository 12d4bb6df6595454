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

// Package camera is a client for the camera service's JSON-RPC interface.
//
// A Client maintains one persistent websocket connection, reconnecting with
// jittered exponential backoff whenever it drops. Requests are correlated
// with responses by generated tokens, so any number of calls can be in
// flight concurrently:
//
//	client, err := camera.New(cfg)
//	if err != nil { ... }
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close()
//
//	result, err := client.Call(ctx, "get_status", nil)
//
// Privileged calls require an authenticated session. The credential given to
// Authenticate is remembered and replayed automatically after every
// reconnect, and queued privileged calls wait for authentication to finish:
//
//	if _, err := client.Authenticate(ctx, token); err != nil { ... }
//	_, err = client.Call(ctx, "start_recording", params, camera.Privileged())
//
// Subscriptions deliver server-pushed events to handlers in registration
// order, optionally filtered by field equality or an expression. They
// survive reconnects; the client re-subscribes on the new connection:
//
//	cancel, err := client.Subscribe(ctx, "camera.status",
//		&camera.Filter{Equals: map[string]any{"device": "cam0"}},
//		func(ev camera.Event) { ... })
//
// When the connection stays down past the configured threshold, the client
// enters degraded mode: calls and a coarse event feed continue over an HTTP
// polling fallback until the live connection recovers.
package camera
