package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// NewBackfillCommand publishes readings from an export file to the broker.
// The file holds an object keyed by the id each reading had in the source
// system, which makes repeated backfills update rather than duplicate.
func NewBackfillCommand(opts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:           "backfill <file>",
		Short:         "Publish exported readings for storage",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.GetLoggerFromContext(ctx)

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("could not open export file: %w", err)
			}
			defer f.Close()

			messages, err := ReadExport(f, opts.DeviceID)
			if err != nil {
				return err
			}

			if !dryRun {
				publisher, closeFn, err := opts.NewPublisher(ctx, logger)
				if err != nil {
					return err
				}
				defer closeFn()

				for i := range messages {
					if err := publisher.PublishOnTopic(ctx, &messages[i]); err != nil {
						return fmt.Errorf("failed to publish %s: %w", messages[i].ExternalID, err)
					}
					logger.Debug().Str("external_id", messages[i].ExternalID).Msg("published")
				}
			}

			result := map[string]any{"published": len(messages), "dryRun": dryRun}

			return newOutput(opts, cmd.OutOrStdout()).print(result, func(w io.Writer) {
				verb := lo.Ternary(dryRun, "would publish", "published")
				fmt.Fprintf(w, "%s %d readings\n", verb, len(messages))
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "read the export without publishing")

	return cmd
}

// ReadExport decodes an export and returns one backfill message per entry,
// ordered by external id. Entries without a device id get deviceID.
func ReadExport(r io.Reader, deviceID string) ([]types.Backfill, error) {
	export := map[string]types.TelemetryState{}

	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return nil, fmt.Errorf("could not decode export: %w", err)
	}

	keys := lo.Keys(export)
	sort.Strings(keys)

	return lo.Map(keys, func(key string, _ int) types.Backfill {
		state := export[key]
		return types.Backfill{
			DeviceID:   lo.Ternary(state.DeviceID != "", state.DeviceID, deviceID),
			ExternalID: key,
			State:      state,
		}
	}), nil
}
