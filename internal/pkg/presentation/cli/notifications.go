package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
)

func NewNotificationsCommand(opts *RootOptions) *cobra.Command {
	p := &pageOptions{}

	cmd := &cobra.Command{
		Use:           "notifications",
		Short:         "List fall notifications, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			result, err := opts.NewClient(ctx, opts).Notifications(ctx, p.page, p.limit)
			if err != nil {
				return err
			}

			return newOutput(opts, cmd.OutOrStdout()).print(result, func(w io.Writer) {
				if len(result.Data) == 0 {
					fmt.Fprintln(w, "no notifications")
					return
				}
				for _, n := range result.Data {
					writeNotification(w, n)
				}
				writePagination(w, result.Pagination)
			})
		},
	}

	p.register(cmd)

	cmd.AddCommand(newUnreadCommand(opts))
	cmd.AddCommand(newMarkReadCommand(opts))

	return cmd
}

func newUnreadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unread",
		Short:         "Show the number of unread notifications",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			count, err := opts.NewClient(ctx, opts).UnreadCount(ctx)
			if err != nil {
				return err
			}

			return newOutput(opts, cmd.OutOrStdout()).print(map[string]int64{"count": count}, func(w io.Writer) {
				fmt.Fprintf(w, "%d unread\n", count)
			})
		},
	}
}

func newMarkReadCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:           "read [id]",
		Short:         "Mark one, or with --all every, notification as read",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := opts.NewClient(ctx, opts)
			out := newOutput(opts, cmd.OutOrStdout())

			if all {
				if err := c.MarkAllRead(ctx); err != nil {
					return err
				}
				return out.print(map[string]string{"message": "All notifications marked as read"}, func(w io.Writer) {
					fmt.Fprintln(w, "All notifications marked as read")
				})
			}

			if len(args) != 1 {
				return fmt.Errorf("a notification id or --all is required")
			}

			id, err := strconv.ParseUint(args[0], 10, 0)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}

			n, err := c.MarkRead(ctx, uint(id))
			if err != nil {
				return err
			}

			return out.print(n, func(w io.Writer) {
				writeNotification(w, n)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "mark every notification as read")

	return cmd
}
