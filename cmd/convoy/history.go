package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatmrpt/convoy/internal/deploy"
	"github.com/chatmrpt/convoy/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past deployment runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past runs, newest first",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [RUN]",
	Short: "Re-render the report of a past run",
	Long: `Show prints the full report of one past run. RUN is a run ID or any
unique prefix of one, as printed by 'history list'. Without an argument
the most recent run is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest runs",
	RunE:  runHistoryPrune,
}

func init() {
	historyListCmd.Flags().IntP("limit", "n", 20, "how many runs to list (0 for all)")

	historyShowCmd.Flags().Bool("json", false, "print the report as JSON")
	historyShowCmd.Flags().Bool("no-color", false, "disable colored output")

	historyPruneCmd.Flags().Int("keep", 50, "how many runs to keep")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

// openHistory opens the run archive at its default location.
func openHistory() (*history.Store, error) {
	path := history.DefaultPath()
	if path == "" {
		return nil, fmt.Errorf("cannot determine history path (no home directory)")
	}
	return history.Open(path)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	reports, err := store.List(limit)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Println("history is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tENVIRONMENT\tSERVICE\tDURATION\tRESULT")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Environment,
			r.Service,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			describeRun(r))
	}
	return w.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	var report *deploy.Report
	if len(args) == 0 || args[0] == "latest" {
		report, err = store.Latest()
	} else {
		report, err = store.Get(args[0])
	}
	if err != nil {
		return err
	}

	return printReport(cmd, report, jsonOut)
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	keep, _ := cmd.Flags().GetInt("keep")

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Prune(keep)
	if err != nil {
		return err
	}
	if removed == 0 {
		fmt.Println("nothing to prune")
		return nil
	}
	fmt.Printf("pruned %d %s\n", removed, pluralRuns(removed))
	return nil
}

// describeRun condenses a report into one list cell: the outcome word plus
// how much of the fleet got there.
func describeRun(r *deploy.Report) string {
	healthy := 0
	for _, t := range r.Targets {
		if t.Stage.Success() {
			healthy++
		}
	}

	if r.Success() {
		return fmt.Sprintf("healthy (%d/%d)", healthy, len(r.Targets))
	}

	var word string
	switch r.ExitCode() {
	case deploy.ExitTransfer:
		word = "transfer failed"
	case deploy.ExitRestart:
		word = "restart failed"
	default:
		word = "unhealthy"
	}
	return fmt.Sprintf("%s (%d/%d healthy)", word, healthy, len(r.Targets))
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func pluralRuns(n int) string {
	if n == 1 {
		return "run"
	}
	return "runs"
}
