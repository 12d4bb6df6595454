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

package calls

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	camerrors "github.com/tombee/camwire/pkg/errors"
)

func TestTable_ResolveRoutesToRegisteredCall(t *testing.T) {
	table := NewTable(0, nil)

	p, err := table.Register("get_status", time.Minute)
	require.NoError(t, err)

	ok := table.Resolve(p.ID(), json.RawMessage(`{"cameras":1}`))
	require.True(t, ok)

	outcome := <-p.Done()
	require.NoError(t, outcome.Err)
	assert.JSONEq(t, `{"cameras":1}`, string(outcome.Result))
	assert.Equal(t, 0, table.Len())
}

func TestTable_UnknownTokenDiscarded(t *testing.T) {
	table := NewTable(0, nil)

	assert.False(t, table.Resolve("nope", nil))
	assert.False(t, table.Reject("nope", camerrors.New("x")))
	assert.False(t, table.Cancel("nope"))
}

func TestTable_SettlesExactlyOnce(t *testing.T) {
	table := NewTable(0, nil)

	p, err := table.Register("get_status", time.Minute)
	require.NoError(t, err)

	// Race many settlement attempts; exactly one must win.
	var wg sync.WaitGroup
	wins := make(chan string, 4)
	attempts := []func(){
		func() {
			if table.Resolve(p.ID(), nil) {
				wins <- "resolve"
			}
		},
		func() {
			if table.Reject(p.ID(), camerrors.New("boom")) {
				wins <- "reject"
			}
		},
		func() {
			if table.Cancel(p.ID()) {
				wins <- "cancel"
			}
		},
		func() {
			if table.SweepExpired(time.Now().Add(2*time.Minute)) > 0 {
				wins <- "sweep"
			}
		},
	}
	for _, attempt := range attempts {
		wg.Add(1)
		go func(f func()) {
			defer wg.Done()
			f()
		}(attempt)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one settlement must win")

	// The done channel carries exactly one outcome.
	<-p.Done()
	select {
	case <-p.Done():
		t.Fatal("second outcome delivered")
	default:
	}
}

func TestTable_SweepExpired(t *testing.T) {
	table := NewTable(0, nil)

	expired, err := table.Register("slow_call", 10*time.Millisecond)
	require.NoError(t, err)
	fresh, err := table.Register("fast_call", time.Hour)
	require.NoError(t, err)

	n := table.SweepExpired(time.Now().Add(time.Second))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, table.Len())

	outcome := <-expired.Done()
	require.Error(t, outcome.Err)
	assert.True(t, camerrors.IsTimeout(outcome.Err))

	var te *camerrors.TimeoutError
	require.True(t, camerrors.As(outcome.Err, &te))
	assert.Equal(t, "slow_call", te.Method)

	// The fresh call is untouched.
	select {
	case <-fresh.Done():
		t.Fatal("fresh call settled by sweep")
	default:
	}
}

func TestTable_RejectAll(t *testing.T) {
	table := NewTable(0, nil)

	var pending []*Pending
	for i := 0; i < 5; i++ {
		p, err := table.Register("get_status", time.Minute)
		require.NoError(t, err)
		pending = append(pending, p)
	}

	reset := &camerrors.TransportError{Op: "read", Err: camerrors.ErrConnectionReset}
	n := table.RejectAll(reset)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, table.Len())

	for _, p := range pending {
		outcome := <-p.Done()
		assert.True(t, camerrors.IsConnectionReset(outcome.Err))
	}

	// Rejecting twice never occurs: a second RejectAll finds nothing.
	assert.Equal(t, 0, table.RejectAll(reset))
}

func TestTable_MaxInFlight(t *testing.T) {
	table := NewTable(2, nil)

	_, err := table.Register("a", time.Minute)
	require.NoError(t, err)
	_, err = table.Register("b", time.Minute)
	require.NoError(t, err)

	_, err = table.Register("c", time.Minute)
	require.Error(t, err)
	assert.True(t, camerrors.Is(err, camerrors.ErrTooManyInFlight))

	// Settling one frees a slot.
	table.RejectAll(camerrors.New("drain"))
	_, err = table.Register("d", time.Minute)
	assert.NoError(t, err)
}

func TestTable_Cancel(t *testing.T) {
	table := NewTable(0, nil)

	p, err := table.Register("start_recording", time.Minute)
	require.NoError(t, err)

	require.True(t, table.Cancel(p.ID()))

	outcome := <-p.Done()
	assert.True(t, camerrors.IsCancellation(outcome.Err))
	assert.Equal(t, 0, table.Len())
}

func TestTable_ConcurrentCallsSettleIndependently(t *testing.T) {
	table := NewTable(0, nil)

	const n = 50
	pending := make([]*Pending, n)
	for i := range pending {
		p, err := table.Register("get_status", time.Minute)
		require.NoError(t, err)
		pending[i] = p
	}

	var wg sync.WaitGroup
	for i, p := range pending {
		wg.Add(1)
		go func(i int, p *Pending) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]int{"seq": i})
			table.Resolve(p.ID(), payload)
		}(i, p)
	}
	wg.Wait()

	for i, p := range pending {
		outcome := <-p.Done()
		require.NoError(t, outcome.Err)

		var got map[string]int
		require.NoError(t, json.Unmarshal(outcome.Result, &got))
		assert.Equal(t, i, got["seq"], "result routed to the wrong caller")
	}
}
