package main

import (
	"context"

	"github.com/spf13/cobra"

	"foreman/internal/kernel"
	"foreman/pkg/logx"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		noWorkers    bool
		feedbackOrgs []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, with in-process workers by default",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.viper().BindPFlag("api.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			return opts.withKernel(ctx, func(k *kernel.Kernel) error {
				logger := logx.NewLogger("serve")
				if err := k.Start(); err != nil {
					return err
				}

				switch {
				case k.Queue == nil:
					logger.Info("queue disabled: jobs run inline")
				case noWorkers && k.Config.Queue.Kind == kernel.QueueMemory:
					logger.Warn("memory queue without in-process workers: jobs will wait until restart")
				case !noWorkers:
					if err := k.StartWorkers(); err != nil {
						return err
					}
				}

				if err := k.StartAPI(); err != nil {
					return err
				}
				for _, org := range splitOrgs(feedbackOrgs) {
					if err := startFeedbackLoop(ctx, k, org); err != nil {
						return err
					}
				}

				<-ctx.Done()
				logger.Info("shutdown requested")
				return nil
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "API listen address")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run job workers in this process")
	cmd.Flags().StringSliceVar(&feedbackOrgs, "feedback-org", nil, "run the feedback loop for these orgs")
	return cmd
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers against the shared queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("workers") {
				opts.viper().Set("queue.workers", workers)
			}
			ctx, stop := signalContext()
			defer stop()

			return opts.withKernel(ctx, func(k *kernel.Kernel) error {
				if err := k.Start(); err != nil {
					return err
				}
				if err := k.StartWorkers(); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of concurrent workers")
	return cmd
}

// startFeedbackLoop runs the loop for org and logs how it ended.
func startFeedbackLoop(ctx context.Context, k *kernel.Kernel, org string) error {
	done, err := k.StartFeedback(org, nil)
	if err != nil {
		return err
	}
	logger := logx.NewLogger("feedback:" + org)
	go func() {
		select {
		case err := <-done:
			if err != nil {
				logger.Error("feedback loop ended: %v", err)
				return
			}
			logger.Info("feedback loop finished")
		case <-ctx.Done():
		}
	}()
	return nil
}
