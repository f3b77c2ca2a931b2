// Package deploy drives a deployment run end to end: push the manifest to
// every target, restart the service, verify health, and fold the per-target
// outcomes into a report.
//
// Each target moves through a fixed sequence of stages. A failure parks the
// target in the failed stage for that phase and never blocks the rest of the
// fleet; the report and exit code are computed from where every target ended
// up.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/chatmrpt/convoy/internal/health"
	"github.com/chatmrpt/convoy/internal/inventory"
	"github.com/chatmrpt/convoy/internal/logging"
	"github.com/chatmrpt/convoy/internal/manifest"
	"github.com/chatmrpt/convoy/internal/remote"
	cssh "github.com/chatmrpt/convoy/internal/ssh"
	"github.com/chatmrpt/convoy/internal/transfer"
)

// Event is a stage change on one target, emitted as the run progresses.
// Handlers are called from worker goroutines and must be safe for
// concurrent use.
type Event struct {
	Target string
	Stage  Stage
	Detail string
	Time   time.Time
}

// Options adjusts a run beyond what the inventory specifies.
type Options struct {
	// Insecure accepts SSH host keys absent from known_hosts.
	Insecure bool

	// SudoPassword is delivered over a PTY when the fleet restarts with
	// sudo. Empty means NOPASSWD sudo.
	SudoPassword string

	// Concurrency overrides the fleet's worker limit when positive.
	Concurrency int

	// RunTimeout bounds the whole run. Zero means no deadline beyond the
	// caller's context.
	RunTimeout time.Duration

	// Progress receives transfer byte counts.
	Progress transfer.ProgressFunc

	// OnEvent receives stage changes.
	OnEvent func(Event)
}

// Orchestrator owns the connections and phase executors for one run.
type Orchestrator struct {
	fleet       *inventory.Fleet
	man         *manifest.Manifest
	pool        *cssh.Pool
	transfers   *transfer.Executor
	restarts    *remote.Runner
	checker     *health.Checker
	policy      health.Policy
	runID       string
	concurrency int
	runTimeout  time.Duration
	progress    transfer.ProgressFunc
	onEvent     func(Event)
	log         zerolog.Logger
}

// New builds an Orchestrator for the fleet. Connections are pooled per
// target and shared by the transfer and restart phases; Run closes them.
func New(fleet *inventory.Fleet, man *manifest.Manifest, opts Options) *Orchestrator {
	pool := NewPool(fleet, opts.Insecure)

	remoteOpts := []remote.Option{remote.WithTimeout(fleet.CommandTimeout)}
	if fleet.Become {
		remoteOpts = append(remoteOpts, remote.WithSudo(opts.SudoPassword))
	}

	policy := policyFor(fleet.Health)
	concurrency := concurrencyFor(fleet, opts)

	return &Orchestrator{
		fleet:       fleet,
		man:         man,
		pool:        pool,
		transfers:   transfer.New(pool, transfer.WithTimeout(fleet.TransferTimeout)),
		restarts:    remote.New(pool, remoteOpts...),
		checker:     health.New(policy, nil),
		policy:      policy,
		runID:       uuid.NewString(),
		concurrency: concurrency,
		runTimeout:  opts.RunTimeout,
		progress:    opts.Progress,
		onEvent:     opts.OnEvent,
		log:         logging.WithComponent("deploy"),
	}
}

// RunID returns the identifier assigned to this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Targets returns the fleet targets in deployment order.
func (o *Orchestrator) Targets() []inventory.Target {
	return o.fleet.Targets
}

// Run deploys the manifest to every target with bounded concurrency, checks
// the aggregate endpoint if one is configured, and returns the report.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	started := time.Now()
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}
	defer o.pool.Close()

	o.log.Info().
		Str("run_id", o.runID).
		Str("environment", o.fleet.Environment).
		Int("targets", len(o.fleet.Targets)).
		Int("files", len(o.man.Entries)).
		Int("concurrency", o.concurrency).
		Msg("starting deployment")

	results := make([]TargetResult, len(o.fleet.Targets))
	sem := semaphore.NewWeighted(int64(o.concurrency))
	var wg sync.WaitGroup

	for i, t := range o.fleet.Targets {
		wg.Add(1)
		go func(idx int, target inventory.Target) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				// The run was cancelled before this target started.
				results[idx] = TargetResult{
					Target: target,
					Stage:  StageTransferFailed,
					Err:    &TransferError{Target: target.Name, Err: err},
				}
				o.emit(target.Name, StageTransferFailed, "run cancelled before start")
				return
			}
			defer sem.Release(1)

			results[idx] = o.deployTarget(ctx, target)
		}(i, t)
	}
	wg.Wait()

	var aggregate *health.Result
	if o.fleet.AggregateURL != "" && ctx.Err() == nil {
		aggregate = o.checker.Verify(ctx, "aggregate", o.fleet.AggregateURL)
	}

	report := Summarize(o.runID, o.fleet, o.man.Path, results, aggregate, started, time.Now())

	o.log.Info().
		Str("run_id", o.runID).
		Bool("success", report.Success()).
		Int("exit_code", report.ExitCode()).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("deployment finished")

	return report
}

// deployTarget walks one target through transfer, restart, and health
// verification, stopping at the first failed phase.
func (o *Orchestrator) deployTarget(ctx context.Context, t inventory.Target) TargetResult {
	start := time.Now()
	res := TargetResult{Target: t, Stage: StagePending}

	o.emit(t.Name, StageTransferring, fmt.Sprintf("pushing %d %s", len(o.man.Entries), fileWord(len(o.man.Entries))))
	res.Stage = StageTransferring
	res.Transfers = o.transfers.Push(ctx, t.Name, t.RemoteRoot, o.man.Entries, o.progress)
	if failed := firstFailedTransfer(res.Transfers); failed != nil {
		res.Stage = StageTransferFailed
		res.Err = &TransferError{Target: t.Name, File: failed.Entry.RemoteRel, Err: failed.Err}
		res.Duration = time.Since(start)
		o.emit(t.Name, res.Stage, res.Err.Error())
		return res
	}
	res.Stage = StageTransferred
	o.emit(t.Name, res.Stage, fmt.Sprintf("%d %s in place", len(res.Transfers), fileWord(len(res.Transfers))))

	o.emit(t.Name, StageRestarting, "restarting "+o.fleet.Service)
	res.Stage = StageRestarting
	seq := remote.RestartSequence(o.fleet.Service, t.RemoteRoot, o.fleet.CachePaths)
	res.Command = o.restarts.Run(ctx, t.Name, seq)
	if res.Command.Failed() {
		res.Stage = StageRestartFailed
		cmdErr := &RemoteCommandError{Target: t.Name, ExitCode: res.Command.ExitCode, Err: res.Command.Err}
		if step := res.Command.FailedStep(); step != nil {
			cmdErr.Step = step.Step.Name
			cmdErr.ExitCode = step.ExitCode
		}
		res.Err = cmdErr
		res.Duration = time.Since(start)
		o.emit(t.Name, res.Stage, res.Err.Error())
		return res
	}
	res.Stage = StageRestarted
	o.emit(t.Name, res.Stage, o.fleet.Service+" restarted")

	o.emit(t.Name, StageVerifyingHealth, "probing "+t.HealthURL)
	res.Stage = StageVerifyingHealth
	res.Health = o.checkerFor(ctx, t).Verify(ctx, t.Name, t.HealthURL)
	if res.Health.Failed() {
		res.Stage = StageUnhealthy
		res.Err = &HealthCheckTimeout{Target: t.Name, URL: t.HealthURL, Attempts: len(res.Health.Attempts)}
		res.Duration = time.Since(start)
		o.emit(t.Name, res.Stage, res.Err.Error())
		return res
	}
	res.Stage = StageHealthy
	res.Duration = time.Since(start)
	o.emit(t.Name, res.Stage, fmt.Sprintf("%d in %s", res.Health.StatusCode, res.Duration.Round(time.Millisecond)))
	return res
}

func (o *Orchestrator) checkerFor(ctx context.Context, t inventory.Target) *health.Checker {
	return checkerFor(ctx, o.pool, o.policy, o.checker, t, o.log)
}

// NewPool builds the per-target SSH connection pool for a fleet. Deploy
// runs build their own; ad-hoc commands share the same wiring so bastion
// hops and identity files resolve identically everywhere.
func NewPool(fleet *inventory.Fleet, insecure bool) *cssh.Pool {
	hostConfs := make(map[string]cssh.HostConfig, len(fleet.Targets))
	for _, t := range fleet.Targets {
		hostConfs[t.Name] = cssh.HostConfig{
			Hostname:     t.Address,
			User:         t.User,
			Port:         t.Port,
			IdentityFile: t.IdentityFile,
			Via:          t.Via,
		}
	}
	baseConf := cssh.ClientConfig{AcceptUnknownHosts: insecure}
	return cssh.NewPool(baseConf, hostConfs)
}

func policyFor(h inventory.HealthConfig) health.Policy {
	return health.Policy{
		Attempts:     h.Attempts,
		InitialDelay: h.InitialDelay.Duration,
		MaxDelay:     h.MaxDelay.Duration,
	}
}

func concurrencyFor(fleet *inventory.Fleet, opts Options) int {
	concurrency := fleet.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return concurrency
}

// checkerFor picks the health checker for a target. Bastion-routed targets
// are probed through an SSH tunnel on the pooled connection, since their
// health port is usually unreachable from the operator's machine.
func checkerFor(ctx context.Context, pool *cssh.Pool, policy health.Policy, direct *health.Checker, t inventory.Target, log zerolog.Logger) *health.Checker {
	if t.Via == "" {
		return direct
	}
	client, err := pool.GetClient(ctx, t.Name)
	if err != nil {
		log.Warn().Str("target", t.Name).Err(err).Msg("no tunnel for health check, probing directly")
		return direct
	}
	return health.New(policy, health.ClientVia(client, 10*time.Second))
}

func (o *Orchestrator) emit(target string, stage Stage, detail string) {
	o.log.Debug().Str("target", target).Str("stage", stage.String()).Str("detail", detail).Msg("stage change")
	if o.onEvent != nil {
		o.onEvent(Event{Target: target, Stage: stage, Detail: detail, Time: time.Now()})
	}
}

func firstFailedTransfer(results []transfer.TransferResult) *transfer.TransferResult {
	for i := range results {
		if results[i].Failed() {
			return &results[i]
		}
	}
	return nil
}

func fileWord(n int) string {
	if n == 1 {
		return "file"
	}
	return "files"
}
