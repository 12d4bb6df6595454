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
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/camwire/pkg/camera"
)

// CLI style colors using lipgloss
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles warning indicators
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// StatusInfo styles informational text
	StatusInfo = lipgloss.NewStyle().Foreground(lipgloss.Color("39")) // blue

	// Muted styles secondary/less important text
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Bold styles emphasized text
	Bold = lipgloss.NewStyle().Bold(true)
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

// IsInteractive reports whether stdout is a terminal. Styling and prompts
// are disabled when it is not.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RenderState colors a connection state by how healthy it is.
func RenderState(state camera.ConnectionState) string {
	s := state.String()
	if !IsInteractive() {
		return s
	}
	switch state {
	case camera.Connected:
		return StatusOK.Render(s)
	case camera.Degraded, camera.Reconnecting, camera.Connecting:
		return StatusWarn.Render(SymbolWarn + " " + s)
	case camera.Failed:
		return StatusError.Render(s)
	default:
		return Muted.Render(s)
	}
}

// RenderOK renders a success message with a green checkmark.
func RenderOK(msg string) string {
	if !IsInteractive() {
		return msg
	}
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderInfo renders an informational message in the info color.
func RenderInfo(msg string) string {
	if !IsInteractive() {
		return msg
	}
	return StatusInfo.Render(msg)
}

// RenderError renders an error message with a red cross.
func RenderError(msg string) string {
	if !IsInteractive() {
		return msg
	}
	return StatusError.Render(SymbolError) + " " + msg
}
