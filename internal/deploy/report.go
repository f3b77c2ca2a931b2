package deploy

import (
	"time"

	"github.com/chatmrpt/convoy/internal/health"
	"github.com/chatmrpt/convoy/internal/inventory"
	"github.com/chatmrpt/convoy/internal/remote"
	"github.com/chatmrpt/convoy/internal/transfer"
)

// Process exit codes. The earliest failing phase across the fleet decides
// the code, so scripting callers can tell transfer breakage from a service
// that restarted but never came back.
const (
	ExitSuccess  = 0
	ExitUsage    = 1 // bad flags, unreadable config, unknown environment
	ExitTransfer = 2
	ExitRestart  = 3
	ExitHealth   = 4
)

// TargetResult is the full outcome of one target's pipeline, with the live
// result values from each phase.
type TargetResult struct {
	Target    inventory.Target
	Stage     Stage
	Transfers []transfer.TransferResult
	Command   *remote.CommandResult
	Health    *health.Result
	Err       error // typed per phase: *TransferError, *RemoteCommandError, *HealthCheckTimeout
	Duration  time.Duration
}

// Report is the serializable summary of a deployment run. It is what gets
// rendered, stored in history, and turned into the process exit code.
type Report struct {
	RunID       string          `json:"run_id"`
	Environment string          `json:"environment"`
	Service     string          `json:"service"`
	Manifest    string          `json:"manifest,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Targets     []TargetSummary `json:"targets"`
	Aggregate   *HealthSummary  `json:"aggregate,omitempty"`
}

// TargetSummary is one target's row in the report.
type TargetSummary struct {
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Stage      Stage             `json:"stage"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Transfers  []TransferSummary `json:"transfers,omitempty"`
	Restart    *RestartSummary   `json:"restart,omitempty"`
	Health     *HealthSummary    `json:"health,omitempty"`
}

// TransferSummary records one manifest entry's outcome on one target.
type TransferSummary struct {
	File     string `json:"file"` // destination relative to the remote root
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RestartSummary records the restart sequence outcome on one target.
type RestartSummary struct {
	ExitCode   int    `json:"exit_code"`
	FailedStep string `json:"failed_step,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// HealthSummary records an endpoint verification outcome.
type HealthSummary struct {
	URL        string `json:"url"`
	Healthy    bool   `json:"healthy"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Summarize folds per-target pipeline results and the optional aggregate
// check into a Report.
func Summarize(runID string, fleet *inventory.Fleet, manifestPath string, results []TargetResult, aggregate *health.Result, started, finished time.Time) *Report {
	report := &Report{
		RunID:       runID,
		Environment: fleet.Environment,
		Service:     fleet.Service,
		Manifest:    manifestPath,
		StartedAt:   started,
		FinishedAt:  finished,
		Targets:     make([]TargetSummary, 0, len(results)),
	}

	for _, r := range results {
		report.Targets = append(report.Targets, summarizeTarget(r))
	}
	if aggregate != nil {
		report.Aggregate = summarizeHealth(aggregate)
	}
	return report
}

func summarizeTarget(r TargetResult) TargetSummary {
	s := TargetSummary{
		Name:       r.Target.Name,
		Address:    r.Target.Address,
		Stage:      r.Stage,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}

	for _, tr := range r.Transfers {
		ts := TransferSummary{
			File:     tr.Entry.RemoteRel,
			Bytes:    tr.BytesSent,
			Checksum: tr.Checksum,
		}
		if tr.Err != nil {
			ts.Error = tr.Err.Error()
		}
		s.Transfers = append(s.Transfers, ts)
	}

	if r.Command != nil {
		rs := &RestartSummary{
			ExitCode:   r.Command.ExitCode,
			StdoutTail: r.Command.StdoutTail,
			StderrTail: r.Command.StderrTail,
		}
		if fs := r.Command.FailedStep(); fs != nil {
			rs.FailedStep = fs.Step.Name
		}
		s.Restart = rs
	}

	if r.Health != nil {
		s.Health = summarizeHealth(r.Health)
	}
	return s
}

func summarizeHealth(h *health.Result) *HealthSummary {
	s := &HealthSummary{
		URL:        h.URL,
		Healthy:    h.Healthy,
		StatusCode: h.StatusCode,
		Attempts:   len(h.Attempts),
	}
	if h.Err != nil {
		s.Error = h.Err.Error()
	}
	return s
}

// Success reports whether every target reached Healthy and the aggregate
// endpoint, when checked, answered too.
func (r *Report) Success() bool {
	for _, t := range r.Targets {
		if !t.Stage.Success() {
			return false
		}
	}
	if r.Aggregate != nil && !r.Aggregate.Healthy {
		return false
	}
	return true
}

// ExitCode maps the report to a process exit code: 0 on full success,
// otherwise the earliest pipeline phase that failed anywhere in the fleet.
func (r *Report) ExitCode() int {
	if r.Success() {
		return ExitSuccess
	}

	anyRestart, anyHealth := false, false
	for _, t := range r.Targets {
		switch t.Stage {
		case StageTransferFailed:
			return ExitTransfer
		case StageRestartFailed:
			anyRestart = true
		case StageHealthy:
		default:
			// Unhealthy, or a pipeline that never reached a terminal stage.
			anyHealth = true
		}
	}
	if anyRestart {
		return ExitRestart
	}
	if anyHealth {
		return ExitHealth
	}
	// All targets healthy but the aggregate endpoint is not.
	return ExitHealth
}

// FailedTargets returns the summaries of targets that did not reach Healthy.
func (r *Report) FailedTargets() []TargetSummary {
	var failed []TargetSummary
	for _, t := range r.Targets {
		if !t.Stage.Success() {
			failed = append(failed, t)
		}
	}
	return failed
}
