package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newAddCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "add <key> <value>",
		Short: "Add a new secret to the selected environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			sel, err := requireSelection(cache)
			if err != nil {
				return err
			}
			if err := cli.AddSecret(cmd.Context(), sel.Project, sel.Environment, args[0], args[1]); err != nil {
				return err
			}
			printOK(cmd, "Added %s to %s", color.YellowString(args[0]), color.YellowString(sel.Project+"/"+sel.Environment))
			return nil
		},
	}
}

func newUpdateCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "update <key> <value>",
		Short: "Overwrite an existing secret in the selected environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			sel, err := requireSelection(cache)
			if err != nil {
				return err
			}
			if err := cli.UpdateSecret(cmd.Context(), sel.Project, sel.Environment, args[0], args[1]); err != nil {
				return err
			}
			printOK(cmd, "Updated %s in %s", color.YellowString(args[0]), color.YellowString(sel.Project+"/"+sel.Environment))
			return nil
		},
	}
}

func newRemoveCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <key>",
		Aliases: []string{"rm", "delete"},
		Short:   "Delete a secret from the selected environment",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			sel, err := requireSelection(cache)
			if err != nil {
				return err
			}
			if err := cli.DeleteSecret(cmd.Context(), sel.Project, sel.Environment, args[0]); err != nil {
				return err
			}
			printOK(cmd, "Removed %s from %s", color.YellowString(args[0]), color.YellowString(sel.Project+"/"+sel.Environment))
			return nil
		},
	}
}

func newFetchCommand(cfg *clientCLIConfig) *cobra.Command {
	var export bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Print the secrets of the selected environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			sel, err := requireSelection(cache)
			if err != nil {
				return err
			}
			secrets, err := cli.FetchSecrets(cmd.Context(), sel.Project, sel.Environment)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(secrets))
			for key := range secrets {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				if export {
					fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", key, shellQuote(secrets[key]))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, secrets[key])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&export, "export", false, "emit shell export statements (eval-able)")
	return cmd
}

func newRunCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command with the selected environment's secrets injected as environment variables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			sel, err := requireSelection(cache)
			if err != nil {
				return err
			}
			secrets, err := cli.FetchSecrets(cmd.Context(), sel.Project, sel.Environment)
			if err != nil {
				return err
			}

			child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			env := os.Environ()
			for key, value := range secrets {
				env = append(env, key+"="+value)
			}
			child.Env = env
			if err := child.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return &exitCodeError{code: exitErr.ExitCode()}
				}
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return nil
		},
	}
}

// shellQuote wraps a value in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
