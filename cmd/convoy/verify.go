package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatmrpt/convoy/internal/deploy"
	"github.com/chatmrpt/convoy/internal/health"
)

// latencyGrain rounds probe latencies for display.
const latencyGrain = time.Millisecond

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Probe an environment's health endpoints without deploying",
	Long: `Verify polls every target's health endpoint, and the environment's
aggregate endpoint when one is configured, using the same retry budget a
deployment would. Nothing is transferred or restarted.

Exits 0 when every endpoint answers 2xx, 4 otherwise.

Examples:
  convoy verify -e production
  convoy verify -e staging -l 'web-*' --json`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringP("env", "e", "", "environment to verify (required)")
	verifyCmd.Flags().StringSliceP("limit", "l", nil, "only include targets matching these glob patterns")
	verifyCmd.Flags().Bool("json", false, "print results as JSON")
	verifyCmd.Flags().Duration("timeout", 0, "abort verification after this duration")
	verifyCmd.Flags().Bool("insecure", false, "accept SSH host keys missing from known_hosts")
	_ = verifyCmd.MarkFlagRequired("env")

	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	envName, _ := cmd.Flags().GetString("env")
	jsonOut, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	insecure, _ := cmd.Flags().GetBool("insecure")

	fleet, err := resolveFleet(cmd, envName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, aggregate := deploy.Verify(ctx, fleet, deploy.Options{
		Insecure:   insecure,
		RunTimeout: timeout,
	})

	if jsonOut {
		if err := printVerifyJSON(results, aggregate); err != nil {
			return err
		}
	} else {
		printVerifyText(fleet.Environment, fleet.Service, results, aggregate)
	}

	if code := deploy.VerifyExitCode(results, aggregate); code != deploy.ExitSuccess {
		return &exitCodeError{code: code}
	}
	return nil
}

func printVerifyText(env, service string, results []deploy.VerifyResult, aggregate *health.Result) {
	fmt.Printf("verify %s (%s), %d %s\n\n", env, service, len(results), pluralTargets(len(results)))

	width := len("aggregate")
	for _, r := range results {
		if len(r.Target.Name) > width {
			width = len(r.Target.Name)
		}
	}

	healthy := 0
	for _, r := range results {
		fmt.Printf(" %-*s  %s\n", width, r.Target.Name, describeProbe(r.Health))
		if r.Health != nil && r.Health.Healthy {
			healthy++
		}
	}
	if aggregate != nil {
		fmt.Printf(" %-*s  %s\n", width, "aggregate", describeProbe(aggregate))
	}

	fmt.Printf("\n%d healthy, %d unhealthy\n", healthy, len(results)-healthy)
}

// describeProbe renders one endpoint's outcome on a single line.
func describeProbe(res *health.Result) string {
	if res == nil {
		return "unhealthy (not probed)"
	}
	attempts := len(res.Attempts)
	if res.Healthy {
		return fmt.Sprintf("healthy (%d, %d %s, %s)",
			res.StatusCode, attempts, pluralAttempts(attempts), res.Latency.Round(latencyGrain))
	}
	if res.StatusCode > 0 {
		return fmt.Sprintf("unhealthy (%d after %d %s)", res.StatusCode, attempts, pluralAttempts(attempts))
	}
	reason := "no response"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	return fmt.Sprintf("unhealthy (%s after %d %s)", reason, attempts, pluralAttempts(attempts))
}

func printVerifyJSON(results []deploy.VerifyResult, aggregate *health.Result) error {
	type probe struct {
		Target     string `json:"target"`
		URL        string `json:"url"`
		Healthy    bool   `json:"healthy"`
		StatusCode int    `json:"status_code,omitempty"`
		Attempts   int    `json:"attempts"`
		LatencyMS  int64  `json:"latency_ms,omitempty"`
		Error      string `json:"error,omitempty"`
	}

	out := struct {
		Targets   []probe `json:"targets"`
		Aggregate *probe  `json:"aggregate,omitempty"`
	}{}

	toProbe := func(name string, res *health.Result) probe {
		p := probe{Target: name}
		if res == nil {
			return p
		}
		p.URL = res.URL
		p.Healthy = res.Healthy
		p.StatusCode = res.StatusCode
		p.Attempts = len(res.Attempts)
		p.LatencyMS = res.Latency.Milliseconds()
		if res.Err != nil {
			p.Error = res.Err.Error()
		}
		return p
	}

	for _, r := range results {
		out.Targets = append(out.Targets, toProbe(r.Target.Name, r.Health))
	}
	if aggregate != nil {
		p := toProbe("aggregate", aggregate)
		out.Aggregate = &p
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func pluralTargets(n int) string {
	if n == 1 {
		return "target"
	}
	return "targets"
}

func pluralAttempts(n int) string {
	if n == 1 {
		return "attempt"
	}
	return "attempts"
}
