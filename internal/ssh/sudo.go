package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// RunCommandWithSudo executes a command under "sudo -S", delivering the
// password on stdin. A PTY is requested so the remote side merges stderr
// into stdout and sudo does not echo the password; the prompt lines are
// stripped from the returned output.
func (c *Client) RunCommandWithSudo(ctx context.Context, command, password string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 80, 40, modes); err != nil {
		return nil, nil, -1, fmt.Errorf("request pty: %w", err)
	}

	var outBuf safeBuffer
	session.Stdout = &outBuf
	session.Stdin = strings.NewReader(password + "\n")

	done := make(chan error, 1)
	go func() {
		done <- session.Run("sudo -S " + command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		out := stripSudoPrompt(outBuf.Bytes())
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return out, nil, exitErr.ExitStatus(), nil
			}
			return out, nil, -1, err
		}
		return out, nil, 0, nil
	}
}

// stripSudoPrompt removes leading sudo password prompt lines
// ("[sudo] password for user:" and "Password:") from command output.
func stripSudoPrompt(output []byte) []byte {
	rest := output
	for {
		line, remainder, found := bytes.Cut(rest, []byte("\n"))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 && (bytes.HasPrefix(trimmed, []byte("[sudo] password")) || bytes.HasPrefix(trimmed, []byte("Password:"))) {
			if !found {
				return nil
			}
			rest = remainder
			continue
		}
		return rest
	}
}
