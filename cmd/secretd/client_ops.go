package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pkt.systems/secretd/internal/tokencache"
)

func newLoginCommand(cfg *clientCLIConfig) *cobra.Command {
	var tokenFlag string
	cmd := &cobra.Command{
		Use:   "login <user>",
		Short: "Generate a token for a user and store it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cache, err := tokencache.Open()
			if err != nil {
				return err
			}
			userID := strings.TrimSpace(args[0])
			if tokenFlag != "" {
				if err := cache.SaveToken(tokenFlag); err != nil {
					return err
				}
				printOK(cmd, "Stored existing token for this install")
				return nil
			}
			cli, err := cfg.newAnonymousClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			token, err := cli.GenerateToken(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("login %q: %w", userID, err)
			}
			if err := cache.SaveToken(token); err != nil {
				return err
			}
			printOK(cmd, "Logged in as %s", color.YellowString(userID))
			printHint(cmd, "Token stored under %s", cache.Dir())
			printHint(cmd, "This token is shown once; it cannot be recovered from the server")
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenFlag, "token", "", "store this existing token instead of generating a new one")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the locally stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cache, err := tokencache.Open()
			if err != nil {
				return err
			}
			if err := cache.Clear(); err != nil {
				return err
			}
			printOK(cmd, "Logged out")
			return nil
		},
	}
}

func newWhoamiCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current server, selection, and visible projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			sel, err := cache.Selection()
			if err != nil {
				return err
			}
			projects, err := cli.Projects(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server:      %s\n", cfg.serverURL())
			if sel.Project != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "selection:   %s/%s\n", sel.Project, sel.Environment)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "selection:   (none)\n")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "projects:    %s\n", strings.Join(projects, ", "))
			return nil
		},
	}
}

func newProjectCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage projects",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a project with the default environments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, _, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.CreateProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			printOK(cmd, "Created project %s", color.YellowString(args[0]))
			printHint(cmd, "Select it with %s", color.YellowString("secretd select "+args[0]+" dev"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List visible projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, _, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			projects, err := cli.Projects(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range projects {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <from> <to>",
		Short: "Rename a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.RenameProject(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if sel, err := cache.Selection(); err == nil && sel.Project == args[0] {
				sel.Project = args[1]
				_ = cache.SaveSelection(sel)
			}
			printOK(cmd, "Renamed project %s to %s", color.YellowString(args[0]), color.YellowString(args[1]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm", "delete"},
		Short:   "Delete a project and all of its secrets",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, _, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.DeleteProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			printOK(cmd, "Deleted project %s", color.YellowString(args[0]))
			return nil
		},
	})

	return cmd
}

func newInviteCommand(cfg *clientCLIConfig) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "invite <user>",
		Short: "Grant another user access to a project (defaults to the selected one)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			if project == "" {
				sel, err := cache.Selection()
				if err != nil {
					return err
				}
				if sel.Project == "" {
					return fmt.Errorf("no project selected: pass --project or run %s", color.YellowString("secretd select <project> <env>"))
				}
				project = sel.Project
			}
			if err := cli.InviteUser(cmd.Context(), args[0], project); err != nil {
				return err
			}
			printOK(cmd, "Invited %s to %s", color.YellowString(args[0]), color.YellowString(project))
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project to share (defaults to the selected project)")
	return cmd
}

func newEnvCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "env",
		Aliases: []string{"environment", "environments"},
		Short:   "Manage environments within a project",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <project> <env>",
		Short: "Create an empty environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, _, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.CreateEnvironment(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			printOK(cmd, "Created environment %s in %s", color.YellowString(args[1]), color.YellowString(args[0]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <project>",
		Short: "List environments of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, _, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			envs, err := cli.Environments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, env := range envs {
				fmt.Fprintln(cmd.OutOrStdout(), env)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <project> <from> <to>",
		Short: "Rename an environment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, cache, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.RenameEnvironment(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			if sel, err := cache.Selection(); err == nil && sel.Project == args[0] && sel.Environment == args[1] {
				sel.Environment = args[2]
				_ = cache.SaveSelection(sel)
			}
			printOK(cmd, "Renamed environment %s to %s in %s",
				color.YellowString(args[1]), color.YellowString(args[2]), color.YellowString(args[0]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "remove <project> <env>",
		Aliases: []string{"rm", "delete"},
		Short:   "Delete an environment and its secrets",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, _, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.DeleteEnvironment(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			printOK(cmd, "Deleted environment %s from %s", color.YellowString(args[1]), color.YellowString(args[0]))
			return nil
		},
	})

	return cmd
}

func newSelectCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select <project> <env>",
		Short: "Select the project and environment used by add/update/remove/fetch/run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return selectProjectEnv(cmd, cfg, args[0], args[1])
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "project <name>",
		Short: "Select a project, keeping (or defaulting) the environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cache, err := tokencache.Open()
			if err != nil {
				return err
			}
			sel, err := cache.Selection()
			if err != nil {
				return err
			}
			env := sel.Environment
			if env == "" {
				env = "dev"
			}
			return selectProjectEnv(cmd, cfg, args[0], env)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "env <name>",
		Short: "Select an environment within the selected project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cache, err := tokencache.Open()
			if err != nil {
				return err
			}
			sel, err := cache.Selection()
			if err != nil {
				return err
			}
			if sel.Project == "" {
				return fmt.Errorf("no project selected: run %s first", color.YellowString("secretd select project <name>"))
			}
			return selectProjectEnv(cmd, cfg, sel.Project, args[0])
		},
	})

	return cmd
}

// selectProjectEnv validates the pair against the server before persisting,
// so typos surface immediately.
func selectProjectEnv(cmd *cobra.Command, cfg *clientCLIConfig, project, env string) error {
	cli, cache, err := cfg.newClient()
	if err != nil {
		return err
	}
	defer cli.Close()
	envs, err := cli.Environments(cmd.Context(), project)
	if err != nil {
		return err
	}
	found := false
	for _, have := range envs {
		if have == env {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("environment %q not found in project %q (have: %s)", env, project, strings.Join(envs, ", "))
	}
	if err := cache.SaveSelection(tokencache.Selection{Project: project, Environment: env}); err != nil {
		return err
	}
	printOK(cmd, "Selected %s", color.YellowString(project+"/"+env))
	return nil
}
