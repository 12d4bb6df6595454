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

package transport

import (
	"math/rand"
	"time"
)

// jitterFraction randomizes each delay by ±20% to avoid thundering-herd
// reconnection when many clients lose the same server.
const jitterFraction = 0.2

// backoff produces the reconnect delay sequence: base, doubling per attempt,
// capped at max, with jitter applied on top. Reset after any successful
// connection.
type backoff struct {
	base time.Duration
	max  time.Duration

	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

// next returns the delay for the upcoming attempt and advances the sequence.
func (b *backoff) next() time.Duration {
	raw := b.current()
	b.attempt++

	jitter := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(float64(raw) * jitter)
}

// current returns the unjittered delay for the upcoming attempt.
func (b *backoff) current() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}

// reset restarts the sequence at the base delay.
func (b *backoff) reset() {
	b.attempt = 0
}
