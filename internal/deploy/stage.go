package deploy

// Stage is a target's position in the deployment pipeline. Each target moves
// through transfer, restart, and health verification in order; a failure at
// any phase parks the target in that phase's terminal failure stage.
type Stage string

const (
	StagePending         Stage = "pending"
	StageTransferring    Stage = "transferring"
	StageTransferFailed  Stage = "transfer-failed"
	StageTransferred     Stage = "transferred"
	StageRestarting      Stage = "restarting"
	StageRestartFailed   Stage = "restart-failed"
	StageRestarted       Stage = "restarted"
	StageVerifyingHealth Stage = "verifying-health"
	StageUnhealthy       Stage = "unhealthy"
	StageHealthy         Stage = "healthy"
)

var stageTransitions = map[Stage][]Stage{
	StagePending:         {StageTransferring},
	StageTransferring:    {StageTransferFailed, StageTransferred},
	StageTransferred:     {StageRestarting},
	StageRestarting:      {StageRestartFailed, StageRestarted},
	StageRestarted:       {StageVerifyingHealth},
	StageVerifyingHealth: {StageUnhealthy, StageHealthy},
}

// CanTransition reports whether moving from s to next is a legal pipeline
// step.
func (s Stage) CanTransition(next Stage) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the stage ends a target's pipeline.
func (s Stage) Terminal() bool {
	return len(stageTransitions[s]) == 0
}

// Success reports whether the stage is the one successful terminal state.
func (s Stage) Success() bool {
	return s == StageHealthy
}

// Failed reports whether the stage is a terminal failure.
func (s Stage) Failed() bool {
	return s.Terminal() && !s.Success()
}

func (s Stage) String() string {
	return string(s)
}

// FailurePhase maps a terminal failure stage to the phase label used in
// reports and exit codes ("transfer", "restart", "health"). Non-failure
// stages return "".
func (s Stage) FailurePhase() string {
	switch s {
	case StageTransferFailed:
		return "transfer"
	case StageRestartFailed:
		return "restart"
	case StageUnhealthy:
		return "health"
	}
	return ""
}
