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

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/tombee/camwire/internal/commands/shared"
	"github.com/tombee/camwire/internal/keychain"
)

// NewCommand creates the auth command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the camera service credential",
	}
	cmd.AddCommand(newLoginCommand())
	cmd.AddCommand(newLogoutCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func newLoginCommand() *cobra.Command {
	var credential string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify a credential and store it in the system keychain",
		Long: `Authenticate against the camera service and, on success, store the
credential in the system keychain. Subsequent privileged calls use it
automatically. The credential can be passed with --credential, via the
CAMWIRE_CREDENTIAL environment variable, or entered at the prompt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, credential)
		},
	}

	cmd.Flags().StringVar(&credential, "credential", "", "Credential to store (prompted when omitted)")
	return cmd
}

func runLogin(cmd *cobra.Command, credential string) error {
	if credential == "" {
		var err error
		if credential, err = shared.ResolveCredential(); err != nil && !errors.Is(err, keychain.ErrNotFound) {
			return err
		}
	}
	if credential == "" {
		if !shared.IsInteractive() {
			return errors.New("no credential given and not running interactively")
		}
		prompt := &survey.Password{Message: "Credential:"}
		if err := survey.AskOne(prompt, &credential, survey.WithValidator(survey.Required)); err != nil {
			return err
		}
	}

	client, err := shared.Connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	sess, err := client.Authenticate(cmd.Context(), credential)
	if err != nil {
		return err
	}
	if err := keychain.Store(credential); err != nil {
		return fmt.Errorf("credential verified but not stored: %w", err)
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("logged in as %s (expires %s)",
		sess.Role, sess.ExpiresAt.Format(time.RFC3339))))
	return nil
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove the stored credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Best-effort server-side logout; the keychain entry goes
			// regardless.
			if client, err := shared.Connect(cmd.Context(), cmd); err == nil {
				if credential, err := keychain.Credential(); err == nil {
					if _, err := client.Authenticate(cmd.Context(), credential); err == nil {
						_ = client.Logout(cmd.Context())
					}
				}
				_ = client.Close()
			}

			if err := keychain.Delete(); err != nil {
				return err
			}
			cmd.Println(shared.RenderOK("logged out"))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a credential is stored and still accepted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			credential, err := shared.ResolveCredential()
			if errors.Is(err, keychain.ErrNotFound) {
				cmd.Println(shared.RenderError("no credential stored"))
				return nil
			}
			if err != nil {
				return err
			}

			client, err := shared.Connect(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			sess, err := client.Authenticate(cmd.Context(), credential)
			if err != nil {
				cmd.Println(shared.RenderError(fmt.Sprintf("credential rejected: %v", err)))
				return nil
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd, map[string]any{
					"role":       sess.Role,
					"session_id": sess.SessionID,
					"expires_at": sess.ExpiresAt,
				}, "")
			}
			cmd.Println(shared.RenderOK(fmt.Sprintf("authenticated as %s (expires %s)",
				sess.Role, sess.ExpiresAt.Format(time.RFC3339))))
			return nil
		},
	}
}
