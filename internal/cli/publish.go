package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/bridgecore/genesis/internal/bus"
	"github.com/bridgecore/genesis/internal/config"
	"github.com/bridgecore/genesis/internal/event"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	Source        string
	Kind          string
	Payload       string
	CorrelationID string
	CausationID   string
	DedupeKey     string
}

// NewPublishCommand creates the publish command: emit one event through
// the full validate/gate/persist pipeline.
func NewPublishCommand(opts *RootOptions) *cobra.Command {
	pubOpts := &PublishOptions{}

	cmd := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Publish a single event",
		Long: `Publish validates the event against the topic contract, runs it through
the guardians gate, and records it durably before dispatching. A blocked
or invalid event exits non-zero; a deduplicated event exits zero with no
new ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runPublish(cmd, opts, pubOpts, args[0], cfg)
		},
	}

	cmd.Flags().StringVarP(&pubOpts.Source, "source", "s", "cli.publish", "publishing component identity")
	cmd.Flags().StringVarP(&pubOpts.Kind, "kind", "k", "fact", "event kind (intent|heal|fact|audit|metric|control)")
	cmd.Flags().StringVarP(&pubOpts.Payload, "payload", "p", "{}", "JSON payload object")
	cmd.Flags().StringVar(&pubOpts.CorrelationID, "correlation-id", "", "correlation ID linking related events")
	cmd.Flags().StringVar(&pubOpts.CausationID, "causation-id", "", "ID of the event that caused this one")
	cmd.Flags().StringVar(&pubOpts.DedupeKey, "dedupe-key", "", "idempotency key (duplicate within the TTL is a no-op)")

	return cmd
}

func runPublish(cmd *cobra.Command, opts *RootOptions, pubOpts *PublishOptions, topic string, cfg config.Config) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	var payload map[string]any
	if err := json.Unmarshal([]byte(pubOpts.Payload), &payload); err != nil {
		return WrapExitError(ExitCommandError, "parse payload", err)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	id, err := rt.bus.Publish(cmd.Context(), bus.Publication{
		Topic:         topic,
		Source:        pubOpts.Source,
		Kind:          event.Kind(pubOpts.Kind),
		Payload:       payload,
		CorrelationID: pubOpts.CorrelationID,
		CausationID:   pubOpts.CausationID,
		DedupeKey:     pubOpts.DedupeKey,
	})
	if err != nil {
		formatter.Error(err.Error())
		if bus.IsBlocked(err) || event.IsValidationError(err) {
			return WrapExitError(ExitFailure, "event rejected", err)
		}
		return WrapExitError(ExitCommandError, "publish failed", err)
	}

	if id == "" {
		return formatter.Success(map[string]any{"duplicate": true})
	}
	return formatter.Success(map[string]any{"event_id": id})
}
