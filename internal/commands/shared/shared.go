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

// Package shared holds helpers common to all camwire commands: version
// metadata, config loading, client construction, and output formatting.
package shared

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/camwire/internal/config"
	"github.com/tombee/camwire/internal/keychain"
	"github.com/tombee/camwire/internal/log"
	"github.com/tombee/camwire/pkg/camera"
)

// Version information, injected by the main package from build-time ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	jsonOutput bool
)

// SetVersion records build metadata for the version command.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the recorded build metadata.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetJSON records the global --json flag.
func SetJSON(enabled bool) { jsonOutput = enabled }

// GetJSON reports whether --json output was requested.
func GetJSON() bool { return jsonOutput }

// LoadConfig builds the effective configuration from the --config and
// --endpoint persistent flags plus the environment.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
		cfg.Endpoint = endpoint
		cfg.PollEndpoint = ""
		cfg.FillDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Connect builds a client from the command's flags and establishes the
// connection. The caller owns Close.
func Connect(ctx context.Context, cmd *cobra.Command) (*camera.Client, error) {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
	})
	client, err := camera.New(cfg, camera.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.Endpoint, err)
	}
	return client, nil
}

// ResolveCredential returns the credential to authenticate with: the
// CAMWIRE_CREDENTIAL environment variable when set, otherwise the system
// keychain.
func ResolveCredential() (string, error) {
	if credential := os.Getenv("CAMWIRE_CREDENTIAL"); credential != "" {
		return credential, nil
	}
	return keychain.Credential()
}
