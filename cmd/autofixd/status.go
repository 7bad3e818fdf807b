package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clintrovert/autofix/internal/ledger"
	"github.com/clintrovert/autofix/pkg/types"
)

var (
	statusRepo string
	statusPR   int
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger entries for a pull request",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusRepo, "repo", "", "repository as owner/name")
	statusCmd.Flags().IntVar(&statusPR, "pr", 0, "pull request number")
	statusCmd.MarkFlagRequired("repo")
	statusCmd.MarkFlagRequired("pr")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	repo, err := types.ParseRepoRef(statusRepo)
	if err != nil {
		return err
	}
	if statusPR <= 0 {
		return fmt.Errorf("--pr must be a positive number")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := ledger.New(cfg.Daemon.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.EntriesFor(context.Background(), repo.FullName(), statusPR)
	if err != nil {
		return err
	}

	printEntries(os.Stdout, entries)
	return nil
}

func printEntries(out io.Writer, entries []ledger.ProcessedBug) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No bugs recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUG ID\tOUTCOME\tPROCESSED AT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.BugID, displayOutcome(e.Outcome), e.ProcessedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func displayOutcome(o ledger.Outcome) string {
	if o == ledger.OutcomeNoChange {
		return "(no change)"
	}
	return string(o)
}
