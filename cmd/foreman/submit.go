package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/kernel"
	"foreman/pkg/orchestrator"
	"foreman/pkg/persistence"
)

const waitPollInterval = time.Second

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		org, user   string
		in          orchestrator.IssueInput
		issueType   string
		priority    string
		description string
		files       []string
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an issue (description from --description or stdin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if description == "" || description == "-" {
				data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
				if err != nil {
					return fmt.Errorf("failed to read description: %w", err)
				}
				description = string(data)
			}
			in.Description = strings.TrimSpace(description)
			if in.Description == "" {
				return fmt.Errorf("description is required")
			}
			in.Type = persistence.IssueType(issueType)
			in.Priority = persistence.IssuePriority(priority)
			in.Context.Files = files

			ctx, stop := signalContext()
			defer stop()
			return opts.withKernel(ctx, func(k *kernel.Kernel) error {
				// Only a store queue outlives this process; otherwise the job runs here.
				switch k.Config.Queue.Kind {
				case kernel.QueueMemory:
					if err := k.StartWorkers(); err != nil {
						return err
					}
					wait = true
				case kernel.QueueNone:
					wait = true
				}

				sub, err := k.Orchestrator.SubmitIssue(ctx, in, org, user)
				if err != nil {
					return err
				}
				if !wait {
					return writeJSON(cmd.OutOrStdout(), sub, nil)
				}
				status, err := waitForJob(ctx, k.Orchestrator, sub.IssueID, org)
				return writeJSON(cmd.OutOrStdout(), status, err)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "submitting user")
	cmd.Flags().StringVar(&issueType, "type", string(persistence.IssueTypeBug), "issue type")
	cmd.Flags().StringVar(&priority, "priority", string(persistence.PriorityMedium), "priority")
	cmd.Flags().StringVar(&in.Title, "title", "", "issue title")
	cmd.Flags().StringVar(&description, "description", "", "issue description (\"-\" reads stdin)")
	cmd.Flags().StringSliceVar(&files, "file", nil, "relevant file paths")
	cmd.Flags().StringVar(&in.CallbackURL, "callback-url", "", "completion webhook URL")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// waitForJob polls until the issue's latest job is terminal.
func waitForJob(ctx context.Context, orch *orchestrator.Orchestrator, issueID, org string) (*orchestrator.IssueStatus, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		status, err := orch.GetIssueStatus(ctx, issueID, org)
		if err != nil {
			return nil, err
		}
		if status != nil && status.Job != nil && status.Job.Status.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "status ISSUE_ID",
		Short: "Show an issue with its latest job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return opts.withKernel(ctx, func(k *kernel.Kernel) error {
				status, err := k.Orchestrator.GetIssueStatus(ctx, args[0], org)
				if err != nil {
					return err
				}
				if status == nil {
					return fmt.Errorf("issue %s: %w", args[0], persistence.ErrNotFound)
				}
				return writeJSON(cmd.OutOrStdout(), status, nil)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			db, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			version, err := persistence.GetSchemaVersion(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Return jobs abandoned by dead workers to pending",
		Long: `Resets running jobs that are past their timeout plus orchestrator.stale_after.
With the store queue the pending jobs are also re-enqueued for the workers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return opts.withKernel(ctx, func(k *kernel.Kernel) error {
				n, err := k.Store.ResetStaleJobs(ctx, k.Config.Orchestrator.StaleAfter)
				if err != nil {
					return err
				}
				if k.Config.Queue.Kind == kernel.QueueStore {
					if err := k.Orchestrator.Reconcile(ctx); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d stale jobs\n", n)
				return nil
			})
		},
	}
}
