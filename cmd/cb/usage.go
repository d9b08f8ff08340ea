package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/zulandar/chatterbox/internal/usage"
	"golang.org/x/term"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and reset image quotas",
	}

	cmd.AddCommand(newUsageShowCmd())
	cmd.AddCommand(newUsageResetCmd())
	return cmd
}

func newUsageShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <identity-id>",
		Short: "Show an identity's image quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Chatterbox config file")
	return cmd
}

func newUsageResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset <identity-id>",
		Short: "Clear an identity's image quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageReset(cmd, configPath, args[0], yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Chatterbox config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func openLedger(configPath string) (*usage.Ledger, error) {
	cfg, gormDB, err := openDB(configPath)
	if err != nil {
		return nil, err
	}
	return usage.NewLedger(usage.LedgerOpts{
		DB:     gormDB,
		Quota:  cfg.Usage.Quota,
		Window: cfg.Usage.Window,
	})
}

func runUsageShow(cmd *cobra.Command, configPath, identityID string) error {
	ledger, err := openLedger(configPath)
	if err != nil {
		return err
	}
	st, err := ledger.Get(cmd.Context(), identityID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Identity %s: %d of %d images used, %d left\n", identityID, st.Count, ledger.Quota(), st.Remaining)
	if !st.ResetsAt.IsZero() {
		fmt.Fprintf(out, "  window resets %s (%s)\n", humanize.Time(st.ResetsAt), st.ResetsAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runUsageReset(cmd *cobra.Command, configPath, identityID string, skipConfirm bool) error {
	out := cmd.OutOrStdout()
	if !skipConfirm && !confirm(cmd, fmt.Sprintf("Reset the image quota of %s?", identityID)) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	ledger, err := openLedger(configPath)
	if err != nil {
		return err
	}
	if err := ledger.Reset(cmd.Context(), identityID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Quota reset for %s\n", identityID)
	return nil
}

// confirm asks a yes/no question on the command's input. When stdin is a
// file that is not a terminal nothing is asked and the answer is no.
func confirm(cmd *cobra.Command, question string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(out, "Refusing to continue without a terminal; pass --yes to confirm.")
		return false
	}

	fmt.Fprintf(out, "%s Type \"yes\" to confirm: ", question)
	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
