package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"foreman/pkg/config"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted credentials file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set KEY=VALUE...",
			Short: "Add or replace secrets such as ANTHROPIC_API_KEY",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				updates, err := parseAssignments(args)
				if err != nil {
					return err
				}
				dir := config.ConfigDir()
				exists := config.SecretsFileExists(dir)
				password, err := readPassword(!exists)
				if err != nil {
					return err
				}

				secrets := map[string]string{}
				if exists {
					if secrets, err = config.DecryptSecretsFile(dir, password); err != nil {
						return err
					}
				}
				for k, v := range updates {
					secrets[k] = v
				}
				if err := config.EncryptSecretsFile(dir, password, secrets); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d secrets to %s\n", len(secrets), config.SecretsPath(dir))
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			RunE: func(cmd *cobra.Command, _ []string) error {
				dir := config.ConfigDir()
				if !config.SecretsFileExists(dir) {
					return fmt.Errorf("no secrets file at %s", config.SecretsPath(dir))
				}
				password, err := readPassword(false)
				if err != nil {
					return err
				}
				secrets, err := config.DecryptSecretsFile(dir, password)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(secrets))
				for k := range secrets {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
	)
	return cmd
}

func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", arg)
		}
		out[key] = value
	}
	return out, nil
}

// readPassword takes the password from the environment or the terminal.
// New files ask for confirmation.
func readPassword(confirm bool) (string, error) {
	if password := os.Getenv(passwordEnv); password != "" {
		return password, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("set %s or run from a terminal", passwordEnv)
	}

	fmt.Fprint(os.Stderr, "Secrets password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if !bytes.Equal(first, second) {
			return "", fmt.Errorf("passwords do not match")
		}
	}
	return string(first), nil
}
