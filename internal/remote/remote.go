// Package remote executes the post-transfer command sequence on targets.
//
// The whole sequence rides a single SSH round-trip per target: steps are
// compiled into one POSIX sh script with sentinel markers, and per-step exit
// codes are parsed back out of the combined output.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chatmrpt/convoy/internal/logging"
	cssh "github.com/chatmrpt/convoy/internal/ssh"
)

// tailLineCount is how many trailing output lines a CommandResult keeps for
// the report.
const tailLineCount = 20

// ClientProvider returns an SSH client for a given target.
// Implemented by both ssh.Pool and ssh.SSHRunner.
type ClientProvider interface {
	GetClient(ctx context.Context, host string) (*cssh.Client, error)
}

// ClientCloser is optionally implemented by ClientProviders whose GetClient
// returns one-shot connections that the caller must close.
type ClientCloser interface {
	CloseClient(client *cssh.Client) error
}

// StepResult holds the outcome of a single step within a sequence.
type StepResult struct {
	Step     Step
	ExitCode int    // -1 if the step never reported an exit code
	Output   string // output captured between this step's markers
	Ran      bool   // false when an earlier fatal step aborted the script
}

// CommandResult is the outcome of the full sequence on one target.
type CommandResult struct {
	Target     string
	Command    string // the compiled script invocation
	ExitCode   int
	Steps      []StepResult
	StdoutTail string
	StderrTail string
	Duration   time.Duration
	Err        error
}

// Failed reports whether the sequence did not complete cleanly.
func (r *CommandResult) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// FailedStep returns the first fatal step that ran and exited non-zero,
// or nil if none did.
func (r *CommandResult) FailedStep() *StepResult {
	for i := range r.Steps {
		s := &r.Steps[i]
		if s.Step.Fatal && s.Ran && s.ExitCode != 0 {
			return s
		}
	}
	return nil
}

// Runner executes sequences over SSH.
type Runner struct {
	provider     ClientProvider
	timeout      time.Duration
	become       bool
	sudoPassword string
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds the full sequence on a single target.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSudo runs the script under sudo. An empty password assumes NOPASSWD;
// otherwise the password is delivered over a PTY.
func WithSudo(password string) Option {
	return func(r *Runner) {
		r.become = true
		r.sudoPassword = password
	}
}

// New creates a sequence Runner.
func New(provider ClientProvider, opts ...Option) *Runner {
	r := &Runner{
		provider: provider,
		timeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the sequence on one target over a single SSH round-trip.
func (r *Runner) Run(ctx context.Context, target string, seq Sequence) *CommandResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	log := logging.WithComponent("remote")
	start := time.Now()

	command := "sh -c " + shellQuote(seq.Script())
	result := &CommandResult{Target: target, Command: command, ExitCode: -1}

	client, err := r.provider.GetClient(ctx, target)
	if err != nil {
		result.Err = err
		result.Steps, _ = parseSteps(seq.Steps, nil)
		result.Duration = time.Since(start)
		return result
	}
	if closer, ok := r.provider.(ClientCloser); ok {
		defer closer.CloseClient(client)
	}

	var stdout, stderr []byte
	var exitCode int
	if r.become && r.sudoPassword != "" {
		stdout, stderr, exitCode, err = client.RunCommandWithSudo(ctx, command, r.sudoPassword)
	} else if r.become {
		stdout, stderr, exitCode, err = client.RunCommand(ctx, "sudo "+command)
	} else {
		stdout, stderr, exitCode, err = client.RunCommand(ctx, command)
	}

	steps, cleaned := parseSteps(seq.Steps, stdout)
	result.ExitCode = exitCode
	result.Err = err
	result.Steps = steps
	result.StdoutTail = tailLines(cleaned, tailLineCount)
	result.StderrTail = tailLines(string(stderr), tailLineCount)
	result.Duration = time.Since(start)

	if result.Failed() {
		ev := log.Warn().Str("target", target).Int("exit_code", exitCode)
		if fs := result.FailedStep(); fs != nil {
			ev = ev.Str("step", fs.Step.Name)
		}
		ev.Err(err).Msg("restart sequence failed")
	} else {
		log.Debug().Str("target", target).Dur("duration", result.Duration).Msg("restart sequence completed")
	}

	return result
}

var stepMarkerRe = regexp.MustCompile(`^:::convoy:step:(\d+):(begin|exit:(-?\d+))$`)

// parseSteps segments combined script output by sentinel markers. It returns
// one StepResult per step plus the output with marker lines stripped. Steps
// the script never reached keep Ran == false and exit code -1.
func parseSteps(steps []Step, stdout []byte) ([]StepResult, string) {
	results := make([]StepResult, len(steps))
	for i, s := range steps {
		results[i] = StepResult{Step: s, ExitCode: -1}
	}

	var cleaned strings.Builder
	var current strings.Builder
	active := -1

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		line := scanner.Text()
		m := stepMarkerRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			cleaned.WriteString(line)
			cleaned.WriteString("\n")
			if active >= 0 {
				current.WriteString(line)
				current.WriteString("\n")
			}
			continue
		}

		idx, _ := strconv.Atoi(m[1])
		if idx < 0 || idx >= len(steps) {
			continue
		}
		if m[2] == "begin" {
			active = idx
			results[idx].Ran = true
			current.Reset()
			continue
		}
		rc, _ := strconv.Atoi(m[3])
		results[idx].ExitCode = rc
		if active == idx {
			results[idx].Output = current.String()
		}
		active = -1
		current.Reset()
	}

	return results, cleaned.String()
}

// tailLines returns the last n lines of s.
func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
