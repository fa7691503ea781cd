package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/pkg/client"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

const serviceName = "canectl"

var ValidFormats = []string{"text", "json"}

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

// RootOptions holds the global flags and the factories used to reach the
// service. The factories are replaced in tests.
type RootOptions struct {
	APIURL    string
	DeviceID  string
	Format    string
	Verbose   bool
	Timeout   time.Duration
	RedisAddr string

	TokenURL     string
	ClientID     string
	ClientSecret string

	NewClient    func(ctx context.Context, opts *RootOptions) client.CaneClient
	NewPublisher func(ctx context.Context, logger zerolog.Logger) (Publisher, func(), error)
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{
		NewClient:    defaultClient,
		NewPublisher: defaultPublisher,
	})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canectl",
		Short: "canectl - smart cane telemetry",
		Long:  "Query stored smart cane readings, manage fall notifications and backfill readings.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}

			level := zerolog.WarnLevel
			if opts.Verbose {
				level = zerolog.DebugLevel
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
				With().Timestamp().Str("service", serviceName).Logger().Level(level)

			cmd.SetContext(logging.NewContextWithLogger(cmd.Context(), logger))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", envOrDefault("CANE_API_URL", "http://localhost:8080"), "base url of the cane sync service")
	cmd.PersistentFlags().StringVarP(&opts.DeviceID, "device", "d", envOrDefault("CANE_DEVICE_ID", types.DemoDeviceID), "device id")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis", envOrDefault("REDIS_ADDR", ""), "telemetry store address, used when the service cannot answer")
	cmd.PersistentFlags().StringVar(&opts.TokenURL, "token-url", envOrDefault("OAUTH2_TOKEN_URL", ""), "oauth2 token endpoint")
	cmd.PersistentFlags().StringVar(&opts.ClientID, "client-id", envOrDefault("OAUTH2_CLIENT_ID", ""), "oauth2 client id")
	cmd.PersistentFlags().StringVar(&opts.ClientSecret, "client-secret", envOrDefault("OAUTH2_CLIENT_SECRET", ""), "oauth2 client secret")

	cmd.AddCommand(NewLatestCommand(opts))
	cmd.AddCommand(NewHistoricalCommand(opts))
	cmd.AddCommand(NewFallsCommand(opts))
	cmd.AddCommand(NewRangeCommand(opts))
	cmd.AddCommand(NewNotificationsCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewBackfillCommand(opts))

	return cmd
}

func defaultClient(ctx context.Context, opts *RootOptions) client.CaneClient {
	clientOpts := []client.Option{client.WithTimeout(opts.Timeout)}

	if opts.TokenURL != "" {
		clientOpts = append(clientOpts, client.WithClientCredentials(ctx, opts.TokenURL, opts.ClientID, opts.ClientSecret))
	}

	return client.New(opts.APIURL, clientOpts...)
}

func defaultPublisher(ctx context.Context, logger zerolog.Logger) (Publisher, func(), error) {
	messenger, err := messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to message broker: %w", err)
	}

	return messenger, messenger.Close, nil
}

func envOrDefault(key, def string) string {
	return env.GetVariableOrDefault(zerolog.Nop(), key, def)
}

func isValidFormat(format string) bool {
	return lo.Contains(ValidFormats, format)
}
