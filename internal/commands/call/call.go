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

package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/camwire/internal/commands/shared"
	"github.com/tombee/camwire/pkg/camera"
)

// NewCommand creates the call command.
func NewCommand() *cobra.Command {
	var (
		privileged bool
		timeout    time.Duration
		jqExpr     string
	)

	cmd := &cobra.Command{
		Use:   "call METHOD [PARAMS]",
		Short: "Invoke an RPC method",
		Long: `Invoke a method on the camera service. PARAMS is a JSON document; omit
it for methods without parameters. Privileged methods authenticate first
with the stored credential.

Examples:
  camwire call get_status
  camwire call set_zoom '{"level": 2.5}'
  camwire call start_recording --privileged`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args, privileged, timeout, jqExpr)
		},
	}

	cmd.Flags().BoolVar(&privileged, "privileged", false, "Authenticate before calling")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (default from config)")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Transform the result with a jq expression")
	return cmd
}

func runCall(cmd *cobra.Command, args []string, privileged bool, timeout time.Duration, jqExpr string) error {
	method := args[0]

	var params any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			return fmt.Errorf("params must be valid JSON: %w", err)
		}
	}

	client, err := shared.Connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var opts []camera.CallOption
	if timeout > 0 {
		opts = append(opts, camera.WithTimeout(timeout))
	}
	if privileged {
		credential, err := shared.ResolveCredential()
		if err != nil {
			return fmt.Errorf("no stored credential, run 'camwire auth login' first: %w", err)
		}
		if _, err := client.Authenticate(cmd.Context(), credential); err != nil {
			return err
		}
		opts = append(opts, camera.Privileged())
	}

	result, err := client.Call(cmd.Context(), method, params, opts...)
	if err != nil {
		return err
	}

	var decoded any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &decoded); err != nil {
			return err
		}
	}
	return shared.PrintJSON(cmd, decoded, jqExpr)
}
