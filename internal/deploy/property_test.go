package deploy

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The exit code contract: zero exactly when every target lands healthy and
// the aggregate endpoint (when checked) passes, otherwise the earliest
// pipeline phase that failed anywhere in the fleet.
func TestExitCodeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genStage := gen.OneConstOf(StageHealthy, StageTransferFailed, StageRestartFailed, StageUnhealthy)
	genAggregate := gen.OneConstOf("none", "healthy", "unhealthy")

	buildReport := func(stages []Stage, aggregate string) *Report {
		r := &Report{}
		for i, s := range stages {
			r.Targets = append(r.Targets, TargetSummary{Name: fmt.Sprintf("t%d", i), Stage: s})
		}
		switch aggregate {
		case "healthy":
			r.Aggregate = &HealthSummary{Healthy: true, StatusCode: 200}
		case "unhealthy":
			r.Aggregate = &HealthSummary{Healthy: false}
		}
		return r
	}

	properties.Property("zero exit code means every target healthy and aggregate ok", prop.ForAll(
		func(stages []Stage, aggregate string) bool {
			r := buildReport(stages, aggregate)

			allHealthy := true
			for _, s := range stages {
				if s != StageHealthy {
					allHealthy = false
				}
			}
			wantSuccess := allHealthy && aggregate != "unhealthy"

			if r.Success() != wantSuccess {
				t.Logf("stages=%v aggregate=%s: Success()=%v, want %v", stages, aggregate, r.Success(), wantSuccess)
				return false
			}
			if (r.ExitCode() == ExitSuccess) != wantSuccess {
				t.Logf("stages=%v aggregate=%s: ExitCode()=%d", stages, aggregate, r.ExitCode())
				return false
			}
			return true
		},
		gen.SliceOf(genStage),
		genAggregate,
	))

	properties.Property("exit code is the earliest failing phase", prop.ForAll(
		func(stages []Stage, aggregate string) bool {
			r := buildReport(stages, aggregate)

			var want int
			switch {
			case containsStage(stages, StageTransferFailed):
				want = ExitTransfer
			case containsStage(stages, StageRestartFailed):
				want = ExitRestart
			case containsStage(stages, StageUnhealthy) || aggregate == "unhealthy":
				want = ExitHealth
			default:
				want = ExitSuccess
			}

			if got := r.ExitCode(); got != want {
				t.Logf("stages=%v aggregate=%s: ExitCode()=%d, want %d", stages, aggregate, got, want)
				return false
			}
			return true
		},
		gen.SliceOf(genStage),
		genAggregate,
	))

	properties.TestingRun(t)
}

// Any walk along the allowed transitions ends in a terminal stage after at
// most six hops, and never takes an illegal step.
func TestStageWalkProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("walks from pending terminate legally", prop.ForAll(
		func(choices []int) bool {
			current := StagePending
			for _, choice := range choices {
				if current.Terminal() {
					break
				}
				successors := stageTransitions[current]
				next := successors[choice%len(successors)]
				if !current.CanTransition(next) {
					t.Logf("transition table disagrees with CanTransition: %s -> %s", current, next)
					return false
				}
				current = next
			}
			if !current.Terminal() {
				t.Logf("walk stuck at %s after %d choices", current, len(choices))
				return false
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 1)),
	))

	properties.TestingRun(t)
}

func containsStage(stages []Stage, want Stage) bool {
	for _, s := range stages {
		if s == want {
			return true
		}
	}
	return false
}
