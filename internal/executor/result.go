package executor

import "time"

// Result holds the outcome of running a command on a single target.
type Result struct {
	Target   string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error // connection/timeout errors
}

// Failed reports whether the command failed, either through a connection
// error or a non-zero exit code.
func (r *Result) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}
