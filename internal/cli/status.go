package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/bridgecore/genesis/internal/config"
)

// NewStatusCommand creates the status command: print the bus snapshot
// and the persisted orchestrator state.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bus and orchestrator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runStatus(cmd, opts, cfg)
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command, opts *RootOptions, cfg config.Config) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	snap, err := rt.bus.Snapshot(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "read bus snapshot", err)
	}

	status := map[string]any{
		"watermark":        snap.Watermark,
		"subscribers":      snap.Subscribers,
		"guardians":        snap.Guardians,
		"pending_dispatch": snap.PendingDispatch,
		"handler_errors":   snap.HandlerErrors,
	}

	orchState, err := readOrchestratorState(cfg.Orchestrator.StatePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		status["orchestrator"] = "no runs recorded"
	case err != nil:
		return WrapExitError(ExitCommandError, "read orchestrator state", err)
	default:
		status["orchestrator"] = orchState
	}

	if opts.Format == "json" {
		return formatter.Success(status)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "watermark:        %d\n", snap.Watermark)
	fmt.Fprintf(w, "subscriptions:    %d patterns\n", len(snap.Subscribers))
	fmt.Fprintf(w, "pending dispatch: %d\n", snap.PendingDispatch)
	fmt.Fprintf(w, "handler errors:   %d\n", snap.HandlerErrors)
	fmt.Fprintf(w, "gate allowed:     %d\n", snap.Guardians.Allowed)
	fmt.Fprintf(w, "gate blocked:     %d\n", snap.Guardians.Blocked)
	fmt.Fprintf(w, "orchestrator:     %v\n", status["orchestrator"])
	return nil
}

// readOrchestratorState loads the raw persisted run record for display.
func readOrchestratorState(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	return state, nil
}
