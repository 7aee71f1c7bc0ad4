package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgecore/genesis/internal/config"
	"github.com/bridgecore/genesis/internal/replay"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	Topic         string
	FromWatermark int64
	After         string
	Limit         int
	Emit          bool
}

// NewReplayCommand creates the replay command: re-read persisted events
// and optionally re-emit them to subscribers.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	repOpts := &ReplayOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay persisted events",
		Long: `Replay reads events from the store in watermark order. Without --emit it
is a dry run that only counts matches; with --emit each event is
re-delivered to live subscribers flagged as a replay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runReplay(cmd, opts, repOpts, cfg)
		},
	}

	cmd.Flags().StringVarP(&repOpts.Topic, "topic", "t", "", "topic filter: exact match or '%' prefix wildcard")
	cmd.Flags().Int64Var(&repOpts.FromWatermark, "from-watermark", 0, "replay events strictly after this watermark")
	cmd.Flags().StringVar(&repOpts.After, "after", "", "replay events after this RFC 3339 timestamp")
	cmd.Flags().IntVarP(&repOpts.Limit, "limit", "n", 0, "maximum events to replay (0 = unlimited)")
	cmd.Flags().BoolVar(&repOpts.Emit, "emit", false, "re-deliver matched events to subscribers")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *RootOptions, repOpts *ReplayOptions, cfg config.Config) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	req := replay.Request{
		TopicPattern:  repOpts.Topic,
		FromWatermark: repOpts.FromWatermark,
		Limit:         repOpts.Limit,
		Emit:          repOpts.Emit,
	}
	if repOpts.After != "" {
		after, err := time.Parse(time.RFC3339, repOpts.After)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("parse --after %q", repOpts.After), err)
		}
		req.After = after
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.replay.Run(cmd.Context(), req)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	return formatter.Success(map[string]any{
		"replayed":       res.Replayed,
		"last_watermark": res.LastWatermark,
		"emitted":        repOpts.Emit,
	})
}
