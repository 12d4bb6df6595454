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

package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/camwire/internal/commands/shared"
	"github.com/tombee/camwire/internal/record"
	"github.com/tombee/camwire/pkg/camera"
)

// NewCommand creates the watch command.
func NewCommand() *cobra.Command {
	var (
		filters    []string
		exprFilter string
		recordPath string
		jqExpr     string
	)

	cmd := &cobra.Command{
		Use:   "watch TOPIC [TOPIC...]",
		Short: "Stream events from the camera service",
		Long: `Subscribe to one or more topics and print events as they arrive, until
interrupted. Events can be filtered by payload fields and optionally
recorded to a local sqlite file for later inspection.

Examples:
  camwire watch camera.status
  camwire watch camera.status --filter device=cam0
  camwire watch camera.status --expr 'recording && zoom > 2'
  camwire watch camera.status camera.motion --record session.db`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args, filters, exprFilter, recordPath, jqExpr)
		},
	}

	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Only show events where FIELD=VALUE (repeatable)")
	cmd.Flags().StringVar(&exprFilter, "expr", "", "Only show events matching an expression")
	cmd.Flags().StringVar(&recordPath, "record", "", "Record events to a sqlite file")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Transform each payload with a jq expression")
	return cmd
}

func runWatch(cmd *cobra.Command, topics, filters []string, exprFilter, recordPath, jqExpr string) error {
	filter, err := buildFilter(filters, exprFilter)
	if err != nil {
		return err
	}

	client, err := shared.Connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var store *record.Store
	if recordPath != "" {
		store, err = record.Open(cmd.Context(), recordPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	events := make(chan camera.Event, 64)
	for _, topic := range topics {
		cancel, err := client.Subscribe(cmd.Context(), topic, filter, func(ev camera.Event) {
			select {
			case events <- ev:
			default:
				// Slow terminal; drop rather than stall dispatch.
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		defer cancel()
	}

	if !shared.GetJSON() {
		cmd.Println(shared.RenderInfo(fmt.Sprintf("watching %s (ctrl-c to stop)", strings.Join(topics, ", "))))
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case ev := <-events:
			if store != nil {
				if err := store.Record(cmd.Context(), ev.Topic, ev.Payload, ev.ReceivedAt); err != nil {
					return err
				}
			}
			if err := printEvent(cmd, ev, jqExpr); err != nil {
				return err
			}
		}
	}
}

func printEvent(cmd *cobra.Command, ev camera.Event, jqExpr string) error {
	payload := any(ev.Payload)
	if jqExpr != "" {
		transformed, err := shared.ApplyJQ(jqExpr, payload)
		if err != nil {
			return err
		}
		payload = transformed
	}

	if shared.GetJSON() {
		return shared.PrintJSON(cmd, map[string]any{
			"topic":       ev.Topic,
			"received_at": ev.ReceivedAt,
			"payload":     payload,
		}, "")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	stamp := ev.ReceivedAt.Format(time.TimeOnly)
	if shared.IsInteractive() {
		cmd.Printf("%s %s %s\n", shared.Muted.Render(stamp), shared.Bold.Render(ev.Topic), raw)
	} else {
		cmd.Printf("%s %s %s\n", stamp, ev.Topic, raw)
	}
	return nil
}

// buildFilter assembles the event filter from repeated FIELD=VALUE flags and
// an optional expression. Values that parse as JSON are compared typed;
// anything else is compared as a string.
func buildFilter(pairs []string, expression string) (*camera.Filter, error) {
	if len(pairs) == 0 && expression == "" {
		return nil, nil
	}

	filter := &camera.Filter{Expr: expression}
	if len(pairs) > 0 {
		filter.Equals = make(map[string]any, len(pairs))
		for _, pair := range pairs {
			key, value, found := strings.Cut(pair, "=")
			if !found || key == "" {
				return nil, fmt.Errorf("invalid filter %q, want FIELD=VALUE", pair)
			}
			var typed any
			if err := json.Unmarshal([]byte(value), &typed); err != nil {
				typed = value
			}
			filter.Equals[key] = typed
		}
	}
	return filter, nil
}
