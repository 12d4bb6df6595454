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

package shared

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
)

// PrintJSON writes v as indented JSON, optionally transformed by a jq
// expression first.
func PrintJSON(cmd *cobra.Command, v any, jqExpr string) error {
	if jqExpr != "" {
		transformed, err := ApplyJQ(jqExpr, v)
		if err != nil {
			return err
		}
		v = transformed
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

// ApplyJQ evaluates a jq expression against data. A single result is
// returned bare; multiple results come back as a slice.
func ApplyJQ(expression string, data any) (any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	// gojq operates on generic JSON values; normalize through a roundtrip.
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}

	var results []any
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		results = append(results, v)
	}

	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}
