package deploy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chatmrpt/convoy/internal/health"
	"github.com/chatmrpt/convoy/internal/inventory"
	"github.com/chatmrpt/convoy/internal/logging"
)

// VerifyResult pairs a target with its probe outcome.
type VerifyResult struct {
	Target inventory.Target
	Health *health.Result
}

// Verify probes every target's health endpoint, and the aggregate endpoint
// when the environment has one, without transferring or restarting anything.
// Bastion-routed targets are probed through an SSH tunnel exactly as a
// deployment run would probe them.
func Verify(ctx context.Context, fleet *inventory.Fleet, opts Options) ([]VerifyResult, *health.Result) {
	pool := NewPool(fleet, opts.Insecure)
	defer pool.Close()

	policy := policyFor(fleet.Health)
	direct := health.New(policy, nil)
	log := logging.WithComponent("verify")

	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	results := make([]VerifyResult, len(fleet.Targets))
	sem := semaphore.NewWeighted(int64(concurrencyFor(fleet, opts)))
	var wg sync.WaitGroup

	for i, t := range fleet.Targets {
		wg.Add(1)
		go func(idx int, target inventory.Target) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				results[idx] = VerifyResult{
					Target: target,
					Health: &health.Result{Target: target.Name, URL: target.HealthURL, Err: err},
				}
				return
			}
			defer sem.Release(1)

			started := time.Now()
			checker := checkerFor(ctx, pool, policy, direct, target, log)
			res := checker.Verify(ctx, target.Name, target.HealthURL)
			results[idx] = VerifyResult{Target: target, Health: res}

			log.Debug().
				Str("target", target.Name).
				Bool("healthy", res.Healthy).
				Int("attempts", len(res.Attempts)).
				Dur("took", time.Since(started)).
				Msg("probe finished")
		}(i, t)
	}
	wg.Wait()

	var aggregate *health.Result
	if fleet.AggregateURL != "" && ctx.Err() == nil {
		aggregate = direct.Verify(ctx, "aggregate", fleet.AggregateURL)
	}
	return results, aggregate
}

// VerifyExitCode maps verification outcomes to a process exit code: zero
// only when every endpoint answered healthy.
func VerifyExitCode(results []VerifyResult, aggregate *health.Result) int {
	for _, r := range results {
		if r.Health == nil || r.Health.Failed() {
			return ExitHealth
		}
	}
	if aggregate != nil && aggregate.Failed() {
		return ExitHealth
	}
	return ExitSuccess
}
