package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/kernel"
	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/version"
)

// passwordEnv unlocks the secrets file without a prompt.
const passwordEnv = "FOREMAN_PASSWORD"

type rootOptions struct {
	configFile string
	debug      []string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Route issues to AI agents and learn from user feedback",
		Long: `Foreman accepts issues over HTTP, classifies them, runs a bounded agent
tool loop per job and turns user feedback into prompt improvements.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if len(opts.debug) > 0 {
				if len(opts.debug) == 1 && opts.debug[0] == "all" {
					logx.SetDebug(true)
				} else {
					logx.SetDebug(true, opts.debug...)
				}
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (default is ./foreman.yaml or "+config.ConfigDir()+"/foreman.yaml)")
	cmd.PersistentFlags().StringSliceVar(&opts.debug, "debug", nil, "enable debug logging for components (\"all\" for every component)")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newFeedbackCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newMigrateCmd(opts),
		newReconcileCmd(opts),
		newSecretsCmd(),
	)
	return cmd
}

// viper returns the configuration source, creating it on first use.
func (o *rootOptions) viper() *viper.Viper {
	if o.v == nil {
		o.v = config.NewViper(o.configFile)
	}
	return o.v
}

// loadConfig unlocks secrets and reads the validated configuration.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if err := unlockSecrets(); err != nil {
		return nil, err
	}
	return config.Load(o.viper())
}

// unlockSecrets loads the encrypted secrets file when one exists. Without a
// password in the environment it is skipped and secrets come from the environment.
func unlockSecrets() error {
	dir := config.ConfigDir()
	if !config.SecretsFileExists(dir) {
		return nil
	}
	password := os.Getenv(passwordEnv)
	if password == "" {
		logx.NewLogger("foreman").Warn("%s is not set; ignoring %s", passwordEnv, config.SecretsPath(dir))
		return nil
	}
	if err := config.LoadSecretsFile(dir, password); err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withKernel builds a kernel, runs fn and stops the kernel afterwards.
func (o *rootOptions) withKernel(ctx context.Context, fn func(k *kernel.Kernel) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(k)
	if err := k.Stop(); err != nil {
		logx.NewLogger("foreman").Warn("shutdown: %v", err)
	}
	return runErr
}

func splitOrgs(orgs []string) []string {
	out := make([]string, 0, len(orgs))
	for _, org := range orgs {
		if org = strings.TrimSpace(org); org != "" {
			out = append(out, org)
		}
	}
	return out
}
