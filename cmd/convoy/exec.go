package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chatmrpt/convoy/internal/deploy"
	"github.com/chatmrpt/convoy/internal/executor"
	"github.com/chatmrpt/convoy/internal/grouper"
	uiexec "github.com/chatmrpt/convoy/internal/ui/exec"
)

var execCmd = &cobra.Command{
	Use:   "exec -e ENV -- COMMAND",
	Short: "Run a command on every target of an environment",
	Long: `Exec runs one shell command across an environment's fleet and groups
the output: targets that printed the same thing collapse into a single
block, and outliers are shown as a diff against the majority.

Examples:
  # Check the service everywhere
  convoy exec -e production -- systemctl is-active chatmrpt

  # Compare deployed revisions, JSON for scripting
  convoy exec -e production --json -- cat /srv/app/REVISION

  # Only show targets that disagree or failed
  convoy exec -e production --errors-only -- uptime`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringP("env", "e", "", "environment to run against (required)")
	execCmd.Flags().StringSliceP("limit", "l", nil, "only include targets matching these glob patterns")
	execCmd.Flags().Bool("json", false, "print raw per-target results as JSON")
	execCmd.Flags().Bool("errors-only", false, "hide groups where the command succeeded")
	execCmd.Flags().IntP("concurrency", "p", 0, "max simultaneous targets (default: fleet setting)")
	execCmd.Flags().Duration("timeout", 0, "per-target command timeout (default: fleet setting)")
	execCmd.Flags().Bool("insecure", false, "accept SSH host keys missing from known_hosts")
	execCmd.Flags().Bool("no-color", false, "disable colored output")
	_ = execCmd.MarkFlagRequired("env")

	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	envName, _ := cmd.Flags().GetString("env")
	jsonOut, _ := cmd.Flags().GetBool("json")
	errorsOnly, _ := cmd.Flags().GetBool("errors-only")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	insecure, _ := cmd.Flags().GetBool("insecure")
	noColor, _ := cmd.Flags().GetBool("no-color")

	command := strings.Join(args, " ")

	fleet, err := resolveFleet(cmd, envName)
	if err != nil {
		return err
	}
	if len(fleet.Targets) == 0 {
		return fmt.Errorf("environment %q has no targets", envName)
	}

	pool := deploy.NewPool(fleet, insecure)
	defer pool.Close()

	if concurrency <= 0 {
		concurrency = fleet.Concurrency
	}
	cmdTimeout := fleet.CommandTimeout
	if timeout > 0 {
		cmdTimeout = timeout
	}
	exec := executor.New(pool,
		executor.WithConcurrency(concurrency),
		executor.WithTimeout(cmdTimeout),
	)

	names := make([]string, len(fleet.Targets))
	for i, t := range fleet.Targets {
		names[i] = t.Name
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results := exec.Execute(ctx, names, command)

	color := !noColor && term.IsTerminal(int(os.Stdout.Fd()))
	formatter := uiexec.NewFormatter(jsonOut, errorsOnly, color)

	if jsonOut {
		data, err := formatter.FormatJSON(results)
		if err != nil {
			return fmt.Errorf("encoding results: %w", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(formatter.Format(grouper.Group(results)))
	}

	for _, r := range results {
		if r.Failed() {
			return &exitCodeError{code: 1}
		}
	}
	return nil
}
