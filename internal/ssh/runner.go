package ssh

import (
	"context"
	"fmt"

	"github.com/chatmrpt/convoy/internal/executor"
)

// HostConfig holds per-target SSH connection details.
type HostConfig struct {
	Hostname     string // actual hostname to dial (may differ from the map key)
	User         string
	Port         int
	IdentityFile string
	Via          string // bastion hop, empty for direct connections
}

// SSHRunner implements executor.Runner using one-shot SSH connections.
type SSHRunner struct {
	baseConf     ClientConfig
	hostConfs    map[string]HostConfig
	sudo         bool
	sudoPassword string
}

// NewRunner creates an SSHRunner with a base config and per-target overrides.
func NewRunner(baseConf ClientConfig, hostConfs map[string]HostConfig) *SSHRunner {
	return &SSHRunner{
		baseConf:  baseConf,
		hostConfs: hostConfs,
	}
}

// NewRunnerWithSudo creates an SSHRunner that executes all commands with sudo.
// If sudoPassword is empty, commands are prefixed with "sudo" for passwordless
// (NOPASSWD) execution. If sudoPassword is non-empty, a PTY is used to
// deliver the password.
func NewRunnerWithSudo(baseConf ClientConfig, hostConfs map[string]HostConfig, sudoPassword string) *SSHRunner {
	return &SSHRunner{
		baseConf:     baseConf,
		hostConfs:    hostConfs,
		sudo:         true,
		sudoPassword: sudoPassword,
	}
}

// GetClient dials a one-shot SSH connection to the given host.
// The caller is responsible for closing the returned Client.
func (r *SSHRunner) GetClient(ctx context.Context, host string) (*Client, error) {
	conf, dialHost := resolveHostConf(r.baseConf, r.hostConfs, host)
	return Dial(ctx, dialHost, conf)
}

// CloseClient closes a client returned by GetClient. SSHRunner creates
// one-shot connections, so they must be closed after use.
func (r *SSHRunner) CloseClient(client *Client) error {
	return client.Close()
}

// Run executes a command on a single host over a fresh connection.
func (r *SSHRunner) Run(ctx context.Context, host string, command string) *executor.Result {
	result := &executor.Result{Target: host}

	client, err := r.GetClient(ctx, host)
	if err != nil {
		result.Err = WrapConnectError(host, fmt.Errorf("connect: %w", err))
		return result
	}
	defer client.Close()

	result.Stdout, result.Stderr, result.ExitCode, result.Err = r.execute(ctx, client, command)
	return result
}

// execute applies the runner's sudo mode: a password goes through a PTY,
// no password means NOPASSWD sudo, anything else runs the command as-is.
func (r *SSHRunner) execute(ctx context.Context, client *Client, command string) (stdout, stderr []byte, exitCode int, err error) {
	switch {
	case r.sudo && r.sudoPassword != "":
		return client.RunCommandWithSudo(ctx, command, r.sudoPassword)
	case r.sudo:
		return client.RunCommand(ctx, "sudo "+command)
	default:
		return client.RunCommand(ctx, command)
	}
}
