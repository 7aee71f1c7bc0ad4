package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bridgecore/genesis/internal/config"
	"github.com/bridgecore/genesis/internal/event"
)

// maxChainLength bounds the causation walk so a cyclic chain cannot
// spin the command forever.
const maxChainLength = 64

// NewInspectCommand creates the inspect command: fetch one stored event
// by ID and walk its causation chain back to the root.
func NewInspectCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <event-id>",
		Short: "Show a stored event and its causation chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runInspect(cmd, opts, cfg, args[0])
		},
	}
	return cmd
}

func runInspect(cmd *cobra.Command, opts *RootOptions, cfg config.Config, id string) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	ev, ok, err := rt.store.EventByID(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "read event", err)
	}
	if !ok {
		return WrapExitError(ExitFailure, fmt.Sprintf("no event with id %s", id), nil)
	}

	// The chain starts at the event itself and follows causation IDs
	// toward the root. A cause that predates the log ends the walk.
	chain := []event.Event{ev}
	for cur := ev; cur.CausationID != "" && len(chain) < maxChainLength; {
		parent, found, perr := rt.store.EventByID(ctx, cur.CausationID)
		if perr != nil {
			return WrapExitError(ExitCommandError, "read causing event", perr)
		}
		if !found {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"event": ev,
			"chain": chainSummaries(chain),
		})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "id:        %s\n", ev.ID)
	fmt.Fprintf(w, "topic:     %s\n", ev.Topic)
	fmt.Fprintf(w, "kind:      %s\n", ev.Kind)
	fmt.Fprintf(w, "source:    %s\n", ev.Source)
	fmt.Fprintf(w, "watermark: %d\n", ev.Watermark)
	fmt.Fprintln(w, "chain:")
	for i, link := range chain {
		fmt.Fprintf(w, "  %d. %s  %s\n", i+1, link.ID, link.Topic)
	}
	return nil
}

func chainSummaries(chain []event.Event) []map[string]any {
	out := make([]map[string]any, len(chain))
	for i, link := range chain {
		out[i] = map[string]any{
			"id":        link.ID,
			"topic":     link.Topic,
			"watermark": link.Watermark,
		}
	}
	return out
}
