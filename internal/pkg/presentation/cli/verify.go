package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify [device-id]",
		Short:         "Check that a device id is known to the service",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			deviceID := opts.DeviceID
			if len(args) == 1 {
				deviceID = args[0]
			}

			valid, err := opts.NewClient(ctx, opts).Verify(ctx, deviceID)
			if err != nil {
				return err
			}

			err = newOutput(opts, cmd.OutOrStdout()).print(map[string]bool{"valid": valid}, func(w io.Writer) {
				if valid {
					fmt.Fprintf(w, "%s is a known device\n", deviceID)
				} else {
					fmt.Fprintf(w, "%s is not a known device\n", deviceID)
				}
			})
			if err != nil {
				return err
			}

			if !valid {
				return fmt.Errorf("unknown device %s", deviceID)
			}

			return nil
		},
	}
}
