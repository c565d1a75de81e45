package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/kernel"
	"foreman/pkg/feedback"
	"foreman/pkg/persistence"
)

func newFeedbackCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Run the feedback loop and inspect the improvement board",
	}
	cmd.AddCommand(newFeedbackRunCmd(opts), newFeedbackCardsCmd(opts))
	return cmd
}

func newFeedbackRunCmd(opts *rootOptions) *cobra.Command {
	var (
		org           string
		once          bool
		interval      time.Duration
		maxIterations int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Move improvement cards through the board until idle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			return opts.withKernel(ctx, func(k *kernel.Kernel) error {
				cfg := feedback.ConfigFrom(k.Config.Feedback)
				if cmd.Flags().Changed("interval") {
					cfg.Interval = interval
				}
				if cmd.Flags().Changed("max-iterations") {
					cfg.MaxIterations = maxIterations
				}
				runner := k.NewFeedbackRunner(org, &cfg)

				if once {
					n, err := runner.RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "processed %d items\n", n)
					return nil
				}

				done, err := k.Feedback.Start(ctx, runner)
				if err != nil {
					return err
				}
				runErr := <-done
				return writeJSON(cmd.OutOrStdout(), runner.State(), runErr)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization to process")
	cmd.Flags().BoolVar(&once, "once", false, "run a single iteration")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "pause between iterations")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after this many iterations (0 = until idle)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newFeedbackCardsCmd(opts *rootOptions) *cobra.Command {
	var (
		org    string
		column string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "cards",
		Short: "List improvement cards",
		RunE: func(cmd *cobra.Command, _ []string) error {
			columns := append(persistence.NonTerminalColumns(), persistence.ColumnDone, persistence.ColumnDismissed)
			if column != "" {
				if !persistence.ValidColumn(column) {
					return fmt.Errorf("unknown column %q", column)
				}
				columns = []persistence.CardColumn{persistence.CardColumn(column)}
			}
			ctx, stop := signalContext()
			defer stop()

			return opts.withKernel(ctx, func(k *kernel.Kernel) error {
				cards := []persistence.ImprovementCard{}
				for _, col := range columns {
					rows, err := k.Board.List(ctx, org, col, limit)
					if err != nil {
						return err
					}
					cards = append(cards, rows...)
				}
				return writeJSON(cmd.OutOrStdout(), cards, nil)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization")
	cmd.Flags().StringVar(&column, "column", "", "only this column")
	cmd.Flags().IntVar(&limit, "limit", 50, "cards per column")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

// writeJSON prints v indented and passes err through.
func writeJSON(w io.Writer, v any, err error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(v); encErr != nil {
		return encErr
	}
	return err
}
