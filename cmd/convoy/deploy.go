package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chatmrpt/convoy/internal/deploy"
	"github.com/chatmrpt/convoy/internal/history"
	"github.com/chatmrpt/convoy/internal/inventory"
	"github.com/chatmrpt/convoy/internal/logging"
	"github.com/chatmrpt/convoy/internal/manifest"
	"github.com/chatmrpt/convoy/internal/ui/watch"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Push a manifest to an environment, restart its service, verify health",
	Long: `Deploy pushes every file in the manifest to each target of an
environment over SFTP, restarts the environment's service, and polls the
health endpoints until they answer or the attempt budget runs out.

The exit code identifies the earliest failing phase across the fleet:
0 all targets healthy, 2 transfer failed, 3 restart failed, 4 health
verification failed.

Examples:
  # Deploy the app manifest to staging
  convoy deploy -e staging -m deploy.manifest

  # Show what would be pushed and run, without connecting
  convoy deploy -e production -m deploy.manifest --dry-run

  # Deploy only the web tier, with a live progress table
  convoy deploy -e production -m deploy.manifest -l 'web-*' --watch`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringP("env", "e", "", "environment to deploy to (required)")
	deployCmd.Flags().StringP("manifest", "m", "", "manifest file listing local -> remote paths (required)")
	deployCmd.Flags().StringSliceP("limit", "l", nil, "only include targets matching these glob patterns")
	deployCmd.Flags().Bool("dry-run", false, "print the resolved plan without connecting anywhere")
	deployCmd.Flags().Bool("watch", false, "show a live per-target progress table")
	deployCmd.Flags().Bool("json", false, "print the report as JSON")
	deployCmd.Flags().Duration("timeout", 0, "abort the whole run after this duration")
	deployCmd.Flags().Bool("insecure", false, "accept SSH host keys missing from known_hosts")
	deployCmd.Flags().Bool("no-color", false, "disable colored output")
	_ = deployCmd.MarkFlagRequired("env")
	_ = deployCmd.MarkFlagRequired("manifest")

	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	envName, _ := cmd.Flags().GetString("env")
	manifestPath, _ := cmd.Flags().GetString("manifest")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	watchRun, _ := cmd.Flags().GetBool("watch")
	jsonOut, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	insecure, _ := cmd.Flags().GetBool("insecure")

	fleet, err := resolveFleet(cmd, envName)
	if err != nil {
		return err
	}
	man, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Print(deploy.NewPlan(fleet, man).Render())
		return nil
	}

	opts := deploy.Options{
		Insecure:   insecure,
		RunTimeout: timeout,
	}
	if fleet.Become {
		pw, err := sudoPassword(fleet)
		if err != nil {
			return err
		}
		opts.SudoPassword = pw
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var report *deploy.Report
	if watchRun && term.IsTerminal(int(os.Stdout.Fd())) {
		report, err = runWatched(ctx, fleet, man, opts)
		if err != nil {
			return err
		}
	} else {
		report = deploy.New(fleet, man, opts).Run(ctx)
	}

	saveHistory(report)

	if err := printReport(cmd, report, jsonOut); err != nil {
		return err
	}
	if code := report.ExitCode(); code != deploy.ExitSuccess {
		return &exitCodeError{code: code}
	}
	return nil
}

// runWatched runs the deployment behind a live progress table. Quitting the
// table cancels the run; the report still reflects whatever finished.
func runWatched(ctx context.Context, fleet *inventory.Fleet, man *manifest.Manifest, opts deploy.Options) (*deploy.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var program *tea.Program
	opts.OnEvent = func(ev deploy.Event) {
		if program != nil {
			program.Send(watch.EventMsg(ev))
		}
	}

	orch := deploy.New(fleet, man, opts)
	names := make([]string, len(orch.Targets()))
	for i, t := range orch.Targets() {
		names[i] = t.Name
	}

	program = tea.NewProgram(watch.New(watch.Config{
		Targets:     names,
		Environment: fleet.Environment,
		Service:     fleet.Service,
		RunID:       orch.RunID(),
		Cancel:      cancel,
	}))

	var report *deploy.Report
	done := make(chan struct{})
	go func() {
		defer close(done)
		report = orch.Run(ctx)
		program.Send(watch.DoneMsg{})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-done
		return report, fmt.Errorf("progress display failed: %w", err)
	}
	<-done
	return report, nil
}

// sudoPassword resolves the password for sudo restarts: the
// CONVOY_SUDO_PASSWORD environment variable wins, then an interactive
// prompt. Empty means the fleet uses NOPASSWD sudo.
func sudoPassword(fleet *inventory.Fleet) (string, error) {
	if pw, ok := os.LookupEnv("CONVOY_SUDO_PASSWORD"); ok {
		return pw, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	fmt.Fprintf(os.Stderr, "[sudo] password for %s: ", fleet.Environment)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading sudo password: %w", err)
	}
	return string(pw), nil
}

// saveHistory archives the report. Failures are logged, never fatal: the
// deployment outcome matters more than the bookkeeping.
func saveHistory(report *deploy.Report) {
	log := logging.WithComponent("history")

	path := history.DefaultPath()
	if path == "" {
		log.Warn().Msg("no home directory, skipping history")
		return
	}
	store, err := history.Open(path)
	if err != nil {
		log.Warn().Err(err).Msg("could not open history store")
		return
	}
	defer store.Close()

	if err := store.Save(report); err != nil {
		log.Warn().Err(err).Str("run_id", report.RunID).Msg("could not save run")
	}
}

// printReport renders a report to stdout in the format the flags ask for.
func printReport(cmd *cobra.Command, report *deploy.Report, jsonOut bool) error {
	noColor, _ := cmd.Flags().GetBool("no-color")
	color := !noColor && term.IsTerminal(int(os.Stdout.Fd()))

	formatter := deploy.NewFormatter(jsonOut, color)
	if jsonOut {
		data, err := formatter.FormatJSON(report)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(formatter.Format(report))
	return nil
}
