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

package notify

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter selects which events on a topic reach a handler. Equals matches
// top-level payload fields by equality; Expr is an optional expression
// evaluated against the payload. Both must hold when both are set. A nil
// Filter matches everything.
type Filter struct {
	// Equals maps payload field names to required values.
	Equals map[string]any

	// Expr is an expression over payload fields, e.g.
	// `device == "cam0" && recording`.
	Expr string

	program *vm.Program
}

// compile prepares the expression predicate. Called once at subscribe time so
// a bad expression surfaces to the subscriber, not to the dispatch path.
func (f *Filter) compile() error {
	if f == nil || f.Expr == "" {
		return nil
	}
	program, err := expr.Compile(f.Expr, expr.AsBool())
	if err != nil {
		return fmt.Errorf("notify: compile filter expression: %w", err)
	}
	f.program = program
	return nil
}

// Match reports whether the payload passes the filter.
func (f *Filter) Match(payload map[string]any) bool {
	if f == nil {
		return true
	}

	for key, want := range f.Equals {
		got, ok := payload[key]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}

	if f.program != nil {
		out, err := expr.Run(f.program, payload)
		if err != nil {
			// A payload the expression cannot evaluate does not match.
			return false
		}
		ok, _ := out.(bool)
		return ok
	}

	return true
}

// looseEqual compares a decoded JSON value against a caller-supplied one.
// JSON numbers decode as float64, so numeric comparisons cross types.
func looseEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	return gok && wok && gf == wf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
