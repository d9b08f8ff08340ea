package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatterbox/internal/memory"
	"github.com/zulandar/chatterbox/internal/models"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect conversation memory",
	}

	cmd.AddCommand(newMemoryTailCmd())
	cmd.AddCommand(newMemoryContextCmd())
	return cmd
}

func newMemoryTailCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "tail <scope-id> <identity-id>",
		Short: "Print the most recent messages of a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryTail(cmd, configPath, args[0], args[1], limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Chatterbox config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages to print")
	return cmd
}

func newMemoryContextCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "context <scope-id> <identity-id> <prompt>",
		Short: "Print the context that would accompany a prompt",
		Long:  "Runs the context assembler for a prompt and prints the history the generation backend would receive, oldest first.",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryContext(cmd, configPath, args[0], args[1], strings.Join(args[2:], " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Chatterbox config file")
	return cmd
}

func runMemoryTail(cmd *cobra.Command, configPath, scopeID, identityID string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("memory: --limit must be positive")
	}
	_, gormDB, err := openDB(configPath)
	if err != nil {
		return err
	}
	store, err := memory.NewStore(memory.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}
	recs, err := store.Recent(cmd.Context(), scopeID, identityID, limit)
	if err != nil {
		return err
	}
	printRecords(cmd.OutOrStdout(), recs)
	return nil
}

func runMemoryContext(cmd *cobra.Command, configPath, scopeID, identityID, prompt string) error {
	cfg, gormDB, err := openDB(configPath)
	if err != nil {
		return err
	}
	store, err := memory.NewStore(memory.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}
	assembler, err := memory.NewAssembler(memory.AssemblerOpts{History: store, Limits: cfg.Memory})
	if err != nil {
		return err
	}
	recs := assembler.Records(cmd.Context(), scopeID, identityID, prompt)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Context for %q (%d of at most %d messages)\n", prompt, len(recs), cfg.Memory.MaxContext)
	printRecords(out, recs)
	return nil
}

func printRecords(out io.Writer, recs []models.MessageRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "(no messages)")
		return
	}
	for _, r := range recs {
		line := r.Content
		if n := len(r.AttachmentList()); n > 0 {
			line += fmt.Sprintf(" [+%d attachment(s)]", n)
		}
		scope := ""
		if r.ScopeID != "" {
			scope = " " + r.ScopeID
		}
		fmt.Fprintf(out, "%s%s %-5s %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), scope, r.Role, line)
	}
}
