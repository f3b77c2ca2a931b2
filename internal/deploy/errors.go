package deploy

import "fmt"

// TransferError reports the first manifest entry that failed to land on a
// target. The full per-entry breakdown stays in the target's results.
type TransferError struct {
	Target string
	File   string
	Err    error
}

func (e *TransferError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("transfer to %s failed: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("transfer to %s failed: %s: %v", e.Target, e.File, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// RemoteCommandError reports a restart sequence that exited non-zero (or
// never ran) on a target.
type RemoteCommandError struct {
	Target   string
	Step     string // failing step name, empty if the script never reported
	ExitCode int
	Err      error
}

func (e *RemoteCommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("restart sequence on %s failed: %v", e.Target, e.Err)
	}
	if e.Step != "" {
		return fmt.Sprintf("restart sequence on %s failed at %s (exit %d)", e.Target, e.Step, e.ExitCode)
	}
	return fmt.Sprintf("restart sequence on %s failed (exit %d)", e.Target, e.ExitCode)
}

func (e *RemoteCommandError) Unwrap() error {
	return e.Err
}

// HealthCheckTimeout reports an endpoint that never answered 2xx within its
// attempt budget.
type HealthCheckTimeout struct {
	Target   string
	URL      string
	Attempts int
}

func (e *HealthCheckTimeout) Error() string {
	return fmt.Sprintf("%s did not become healthy at %s after %d attempts", e.Target, e.URL, e.Attempts)
}
