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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/camwire/internal/cli"
	"github.com/tombee/camwire/internal/commands/auth"
	"github.com/tombee/camwire/internal/commands/call"
	"github.com/tombee/camwire/internal/commands/shared"
	"github.com/tombee/camwire/internal/commands/status"
	versioncmd "github.com/tombee/camwire/internal/commands/version"
	"github.com/tombee/camwire/internal/commands/watch"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	shared.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(status.NewCommand())
	rootCmd.AddCommand(call.NewCommand())
	rootCmd.AddCommand(watch.NewCommand())
	rootCmd.AddCommand(auth.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
