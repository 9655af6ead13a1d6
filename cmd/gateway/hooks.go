package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Manage the agent-side forwarder scripts",
	Long: `The forwarder script reads a hook call from stdin, posts it to the gateway
and exits 0 on allow or 2 on deny, so the agent blocks the action.

Typical setup:
  gateway hooks install
  gateway hooks config > .claude/settings.json`,
}

var hooksInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the versioned forwarder scripts to HOOKS_DIR",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		inst := newInstaller(cfg)
		if err := inst.Install(); err != nil {
			return fmt.Errorf("install hooks: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s (version %s)\n", inst.ScriptPath(), inst.Version)
		return nil
	},
}

var hooksValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the installed forwarder scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		report := newInstaller(cfg).Validate()

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if !report.Valid {
			return fmt.Errorf("hook scripts are not valid (%d problems)", len(report.Problems))
		}
		return nil
	},
}

var hooksConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the agent hook settings pointing at the forwarder",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := newInstaller(cfg).GenerateConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	hooksCmd.AddCommand(hooksInstallCmd, hooksValidateCmd, hooksConfigCmd)
	rootCmd.AddCommand(hooksCmd)
}
