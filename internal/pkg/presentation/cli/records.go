package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type pageOptions struct {
	page  int
	limit int
}

func (p *pageOptions) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.page, "page", 1, "page number")
	cmd.Flags().IntVar(&p.limit, "limit", 20, "readings per page")
}

func NewHistoricalCommand(opts *RootOptions) *cobra.Command {
	p := &pageOptions{}

	cmd := &cobra.Command{
		Use:           "historical",
		Short:         "List stored readings, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			result, err := opts.NewClient(ctx, opts).Historical(ctx, p.page, p.limit)
			if err != nil {
				return err
			}

			return newOutput(opts, cmd.OutOrStdout()).print(result, func(w io.Writer) {
				writeRecords(w, result.Data)
				writePagination(w, result.Pagination)
			})
		},
	}

	p.register(cmd)
	return cmd
}

func NewFallsCommand(opts *RootOptions) *cobra.Command {
	p := &pageOptions{}

	cmd := &cobra.Command{
		Use:           "falls",
		Short:         "List stored readings with a detected fall",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			result, err := opts.NewClient(ctx, opts).Falls(ctx, p.page, p.limit)
			if err != nil {
				return err
			}

			return newOutput(opts, cmd.OutOrStdout()).print(result, func(w io.Writer) {
				writeRecords(w, result.Data)
				writePagination(w, result.Pagination)
			})
		},
	}

	p.register(cmd)
	return cmd
}

func NewRangeCommand(opts *RootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:           "range",
		Short:         "List readings between two dates, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			start, err := parseDate(from, false)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}

			end, err := parseDate(to, true)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}

			result, err := opts.NewClient(ctx, opts).Range(ctx, start, end)
			if err != nil {
				return err
			}

			return newOutput(opts, cmd.OutOrStdout()).print(result, func(w io.Writer) {
				writeRecords(w, result)
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "start date (2006-01-02 or RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "end date, inclusive (2006-01-02 or RFC3339)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	return cmd
}

func parseDate(value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}

	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}

	return t, nil
}
