package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatterbox/internal/engagement"
)

func newScopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Inspect and toggle guild or workspace activation",
	}

	cmd.AddCommand(newScopeSetCmd("activate", true))
	cmd.AddCommand(newScopeSetCmd("deactivate", false))
	cmd.AddCommand(newScopeStatusCmd())
	return cmd
}

func newScopeSetCmd(use string, active bool) *cobra.Command {
	var configPath string

	short := "Let the bot talk in a scope"
	if !active {
		short = "Silence the bot in a scope"
	}
	cmd := &cobra.Command{
		Use:   use + " <scope-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScopeSet(cmd, configPath, args[0], active)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Chatterbox config file")
	return cmd
}

func newScopeStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <scope-id>",
		Short: "Show a scope's activation and ignore count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScopeStatus(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Chatterbox config file")
	return cmd
}

func runScopeSet(cmd *cobra.Command, configPath, scopeID string, active bool) error {
	_, gormDB, err := openDB(configPath)
	if err != nil {
		return err
	}
	tracker, err := engagement.NewTracker(gormDB)
	if err != nil {
		return err
	}
	if err := tracker.SetActive(cmd.Context(), scopeID, active); err != nil {
		return err
	}
	state := "active"
	if !active {
		state = "inactive"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scope %s is now %s\n", scopeID, state)
	return nil
}

func runScopeStatus(cmd *cobra.Command, configPath, scopeID string) error {
	_, gormDB, err := openDB(configPath)
	if err != nil {
		return err
	}
	tracker, err := engagement.NewTracker(gormDB)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	state := "ACTIVE"
	if !tracker.GetActive(ctx, scopeID) {
		state = "INACTIVE"
	}
	fmt.Fprintf(out, "Scope %s: %s\n", scopeID, state)
	fmt.Fprintf(out, "  ignored since last reply: %d\n", tracker.GetIgnored(ctx, scopeID))
	return nil
}
