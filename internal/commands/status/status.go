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

package status

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/camwire/internal/commands/shared"
)

// NewCommand creates the status command.
func NewCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection state and service status",
		Long: `Connect to the camera service, report the connection state, and fetch
the service's status snapshot.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jqExpr)
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Transform the status with a jq expression")
	return cmd
}

func runStatus(cmd *cobra.Command, jqExpr string) error {
	client, err := shared.Connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Call(cmd.Context(), "get_status", nil)
	if err != nil {
		return err
	}

	var status map[string]any
	if err := json.Unmarshal(result, &status); err != nil {
		return err
	}

	if shared.GetJSON() || jqExpr != "" {
		return shared.PrintJSON(cmd, map[string]any{
			"connection": client.State().String(),
			"status":     status,
		}, jqExpr)
	}

	cmd.Printf("connection: %s\n", shared.RenderState(client.State()))
	if sess := client.Session(); sess.Authenticated {
		cmd.Printf("session:    %s (expires %s)\n", sess.Role, sess.ExpiresAt.Format(time.RFC3339))
	}
	for key, value := range status {
		cmd.Printf("%-11s %v\n", key+":", value)
	}
	return nil
}
