package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headless-pm/pmcore/internal/config"
	"github.com/headless-pm/pmcore/internal/hooks"
)

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Inspect and validate lifecycle hook scripts",
	}
	cmd.AddCommand(newHooksValidateCmd())
	cmd.AddCommand(newHooksListCmd())
	return cmd
}

func newHooksValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Confirm pre_task/post_task/health_check hooks exist and are executable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			r := hooks.New(cfg.HooksDir, cfg.HookTimeout)
			results := r.ValidateHooks([]hooks.Name{hooks.PreTask, hooks.PostTask, hooks.HealthCheck})
			failed := false
			for _, name := range []hooks.Name{hooks.PreTask, hooks.PostTask, hooks.HealthCheck} {
				if err := results[name]; err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", name, err)
					failed = true
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", name)
				}
			}
			if failed {
				return fmt.Errorf("pmagent: one or more required hooks failed validation")
			}
			return nil
		},
	}
}

func newHooksListCmd() *cobra.Command {
	var glob string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discoverable hook scripts under the configured hooks directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			r := hooks.New(cfg.HooksDir, cfg.HookTimeout)
			for _, name := range r.ListAvailable() {
				fmt.Fprintf(cmd.OutOrStdout(), "logical: %s\n", name)
			}
			matches, err := r.FindByGlob(glob)
			if err != nil {
				return fmt.Errorf("pmagent: glob %s: %w", glob, err)
			}
			for _, m := range matches {
				fmt.Fprintf(cmd.OutOrStdout(), "file: %s\n", m)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&glob, "glob", "**/*.sh", "doublestar pattern to sweep for ad-hoc hook scripts")
	return cmd
}
