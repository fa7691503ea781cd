package cli

import (
	"context"
	"io"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application/livestate"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/telemetry"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/spf13/cobra"
)

const SourceAPI = "api"

// NewLatestCommand prints the best available reading. The service is asked
// first, then the telemetry store when an address is given, and last the
// default reading.
func NewLatestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "latest",
		Short:         "Show the latest reading of a device",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			live := livestate.New(latestSources(ctx, opts))
			reading := live.GetLatestReading(ctx, opts.DeviceID)

			return newOutput(opts, cmd.OutOrStdout()).print(reading, func(w io.Writer) {
				writeReading(w, opts.DeviceID, reading.Source, reading.Offline, reading.Data)
			})
		},
	}
}

func latestSources(ctx context.Context, opts *RootOptions) []livestate.Source {
	c := opts.NewClient(ctx, opts)

	api := livestate.NewSource(SourceAPI, func(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
		reading, err := c.Latest(ctx, deviceID)
		if err != nil {
			return types.DeviceRecord{}, err
		}
		if reading.Offline {
			return types.DeviceRecord{}, livestate.ErrNoReading
		}
		return reading.Data, nil
	})

	sources := []livestate.Source{
		livestate.WithRetry(api, livestate.DefaultAttempts, livestate.DefaultInterval),
	}

	if opts.RedisAddr != "" {
		store := telemetry.NewRedisStore(opts.RedisAddr, "")
		sources = append(sources, livestate.TelemetrySource(store, opts.Timeout, time.Now))
	}

	return sources
}
