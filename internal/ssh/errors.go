package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectError wraps an SSH connection error with a user-friendly hint.
// Deployment reports surface the hint next to the failed target.
type ConnectError struct {
	Host string
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v\n  hint: %s", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// hintRule pairs an error predicate with the advice to print when it fires.
// Rules are tried in order; the first match wins.
type hintRule struct {
	match func(err error, msg string) bool
	hint  func(host string) string
}

var hintRules = []hintRule{
	{
		// Unreadable or over-permissive key file.
		match: func(_ error, msg string) bool {
			return strings.Contains(msg, "permission denied") && strings.Contains(msg, "key")
		},
		hint: func(string) string { return "check SSH key permissions (chmod 600)" },
	},
	{
		// Authentication rejected or handshake aborted.
		match: func(_ error, msg string) bool {
			return strings.Contains(msg, "unable to authenticate") ||
				strings.Contains(msg, "no supported methods remain") ||
				strings.Contains(msg, "handshake failed")
		},
		hint: func(host string) string {
			return fmt.Sprintf("verify your SSH key or agent. Try: ssh -v %s", host)
		},
	},
	{
		match: func(_ error, msg string) bool {
			return strings.Contains(msg, "connection refused")
		},
		hint: func(string) string { return "verify SSH daemon is running on the target" },
	},
	{
		match: func(err error, msg string) bool {
			var dnsErr *net.DNSError
			return errors.As(err, &dnsErr) ||
				strings.Contains(msg, "no such host") ||
				strings.Contains(msg, "lookup")
		},
		hint: func(string) string { return "verify the inventory address is correct" },
	},
	{
		// known_hosts has no entry for the host.
		match: func(_ error, msg string) bool {
			return strings.Contains(msg, "no known_hosts") || strings.Contains(msg, "knownhosts")
		},
		hint: func(host string) string {
			return fmt.Sprintf("use --insecure or connect once with: ssh %s", host)
		},
	},
	{
		// known_hosts entry disagrees with the key the host presented.
		match: func(err error, _ string) bool {
			var keyErr *knownhosts.KeyError
			return errors.As(err, &keyErr)
		},
		hint: func(host string) string {
			return fmt.Sprintf("remove old key with: ssh-keygen -R %s", host)
		},
	},
	{
		match: func(err error, _ string) bool {
			var authErr *ssh.ServerAuthError
			return errors.As(err, &authErr)
		},
		hint: func(host string) string {
			return fmt.Sprintf("verify your SSH key or agent. Try: ssh -v %s", host)
		},
	},
}

// WrapConnectError attaches remediation advice to common SSH failures.
// Errors matching no rule are returned untouched.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	for _, rule := range hintRules {
		if rule.match(err, msg) {
			return &ConnectError{Host: host, Err: err, Hint: rule.hint(host)}
		}
	}
	return err
}
