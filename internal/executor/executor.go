// Package executor fans ad-hoc commands out across a fleet of deployment
// targets with bounded concurrency. It is the engine behind `convoy exec`;
// deployment pipelines have their own orchestration.
package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Runner executes a command on one named target. The SSH layer implements
// this over pooled connections.
type Runner interface {
	Run(ctx context.Context, target string, command string) *Result
}

// Executor runs one command on many targets in parallel.
type Executor struct {
	runner      Runner
	concurrency int
	timeout     time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency sets the maximum number of targets worked on at once.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the per-target command timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an Executor with the given Runner and options.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:      runner,
		concurrency: 4,
		timeout:     60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs command on every target, bounded by the concurrency limit.
// Results come back in input order regardless of completion order.
func (e *Executor) Execute(ctx context.Context, targets []string, command string) []*Result {
	results := make([]*Result, len(targets))
	if len(targets) == 0 {
		return results
	}

	sem := semaphore.NewWeighted(int64(e.concurrency))
	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()

			// Acquire returns the context error on cancellation.
			if err := sem.Acquire(ctx, 1); err != nil {
				results[idx] = &Result{
					Target: name,
					Err:    err,
				}
				return
			}
			defer sem.Release(1)

			targetCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()

			start := time.Now()
			result := e.runner.Run(targetCtx, name, command)
			result.Duration = time.Since(start)
			result.Target = name

			// Record a timeout the runner swallowed.
			if targetCtx.Err() == context.DeadlineExceeded && result.Err == nil {
				result.Err = context.DeadlineExceeded
			}

			results[idx] = result
		}(i, target)
	}

	wg.Wait()
	return results
}
