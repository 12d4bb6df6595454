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

// Package cli wires the camwire root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/camwire/internal/commands/shared"
)

// NewRootCommand creates the root Cobra command for camwire.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camwire",
		Short: "Client for the camera service's real-time interface",
		Long: `camwire talks to the camera service over a persistent JSON-RPC
connection: issue calls, authenticate, and watch pushed events. The
connection reconnects automatically and falls back to HTTP polling
during long outages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			shared.SetJSON(jsonOut)
		},
	}

	cmd.PersistentFlags().String("config", "", "Path to the config file")
	cmd.PersistentFlags().String("endpoint", "", "Camera service endpoint (ws:// or wss://), overrides config")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	return cmd
}
