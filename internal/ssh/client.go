package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/chatmrpt/convoy/internal/logging"
	"github.com/chatmrpt/convoy/internal/pathutil"
)

// PasswordCallback is called when agent and key-based auth both fail.
// It receives the hostname and should return the password.
type PasswordCallback func(host string) (string, error)

// ClientConfig holds options for creating an SSH client.
type ClientConfig struct {
	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config or the current OS user.
	User string

	// Port overrides the SSH port. If zero, resolved from
	// ~/.ssh/config or defaults to 22.
	Port int

	// IdentityFiles lists explicit private key paths to try.
	// If empty, resolved from ~/.ssh/config and default key locations.
	IdentityFiles []string

	// PasswordCallback is invoked when agent and key auth fail.
	PasswordCallback PasswordCallback

	// AcceptUnknownHosts controls whether to accept hosts not in known_hosts.
	AcceptUnknownHosts bool

	// HostKeyCallback overrides the default host key verification.
	// If nil, knownhosts is used (with AcceptUnknownHosts controlling unknowns).
	HostKeyCallback ssh.HostKeyCallback

	// Via specifies one or more comma-separated bastion hops
	// (e.g. "bastion" or "ops@bastion1:2222,ops@bastion2").
	// "none" disables hopping (SSH convention).
	Via string
}

// Client wraps an SSH connection to a single target.
type Client struct {
	host           string
	sshClient      *ssh.Client
	clientConf     ClientConfig
	bastionClients []*Client // intermediate bastion clients, for cleanup
}

// Dial connects to the given host using the configured auth chain.
// If conf.Via is set (and not "none"), the connection is tunneled
// through one or more bastion hosts.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	if conf.Via != "" && conf.Via != "none" {
		return dialViaBastion(ctx, host, conf)
	}
	return dialDirect(ctx, host, conf)
}

func dialDirect(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	addr, sshConf, err := buildClientConfig(host, conf)
	if err != nil {
		return nil, fmt.Errorf("resolve connection for %s: %w", host, err)
	}

	conn, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	log := logging.WithComponent("ssh")
	log.Debug().
		Str("host", host).
		Str("addr", addr).
		Str("user", sshConf.User).
		Msg("connected")

	return &Client{
		host:       host,
		sshClient:  ssh.NewClient(sshConn, chans, reqs),
		clientConf: conf,
	}, nil
}

// dialViaBastion walks the comma-separated hop chain in conf.Via, dialing
// the first hop directly and each later hop through the one before it,
// then reaches the target through the last hop. Established hops are torn
// down in reverse when any stage fails.
func dialViaBastion(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	specs := strings.Split(conf.Via, ",")

	var bastions []*Client
	closeAll := func() {
		for i := len(bastions) - 1; i >= 0; i-- {
			bastions[i].Close()
		}
	}

	var prev *Client
	for _, spec := range specs {
		hopConf, hopHost := hopClientConfig(spec, conf)

		var (
			hop *Client
			err error
		)
		if prev == nil {
			hop, err = dialDirect(ctx, hopHost, hopConf)
		} else {
			hop, err = dialThrough(ctx, prev, hopHost, hopConf)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("dial bastion %q: %w", strings.TrimSpace(spec), err)
		}
		bastions = append(bastions, hop)
		prev = hop
	}

	log := logging.WithComponent("ssh")
	log.Debug().
		Str("host", host).
		Int("hops", len(bastions)).
		Msg("dialing through bastion chain")

	finalConf := conf
	finalConf.Via = "" // prevent recursion
	target, err := dialThrough(ctx, prev, host, finalConf)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("dial target %s via bastion: %w", host, err)
	}
	target.bastionClients = bastions
	return target, nil
}

// hopClientConfig derives the ClientConfig for one bastion hop, inheriting
// the target's auth settings with the spec's own user and port on top.
func hopClientConfig(spec string, conf ClientConfig) (ClientConfig, string) {
	user, hostname, port := parseViaSpec(spec)
	hc := ClientConfig{
		Port:               port,
		IdentityFiles:      conf.IdentityFiles,
		PasswordCallback:   conf.PasswordCallback,
		AcceptUnknownHosts: conf.AcceptUnknownHosts,
		HostKeyCallback:    conf.HostKeyCallback,
	}
	if user != "" {
		hc.User = user
	}
	return hc, hostname
}

// dialThrough tunnels an SSH connection through an existing client.
func dialThrough(ctx context.Context, bastion *Client, host string, conf ClientConfig) (*Client, error) {
	addr, sshConf, err := buildClientConfig(host, conf)
	if err != nil {
		return nil, fmt.Errorf("resolve connection for %s: %w", host, err)
	}

	conn, err := bastion.sshClient.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel through %s to %s: %w", bastion.host, addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s (via %s): %w", addr, bastion.host, err)
	}

	return &Client{
		host:       host,
		sshClient:  ssh.NewClient(sshConn, chans, reqs),
		clientConf: conf,
	}, nil
}

// parseViaSpec parses a bastion spec in the form "user@host:port",
// "host:port", "user@host", or just "host". Returns user, hostname, port.
func parseViaSpec(spec string) (user, hostname string, port int) {
	spec = strings.TrimSpace(spec)

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		hostname = host
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	} else {
		hostname = spec
	}

	return user, hostname, port
}

// RunCommand executes a command on the connected host and returns
// stdout, stderr, exit code, and any error.
func (c *Client) RunCommand(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf safeBuffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Closing the session makes Run return on the remote's schedule;
		// the kill signal hurries it along.
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
			}
			return outBuf.Bytes(), errBuf.Bytes(), -1, err
		}
		return outBuf.Bytes(), errBuf.Bytes(), 0, nil
	}
}

// Close closes the underlying SSH connection and any bastion connections
// in reverse order (innermost first).
func (c *Client) Close() error {
	var firstErr error
	if c.sshClient != nil {
		firstErr = c.sshClient.Close()
	}
	for i := len(c.bastionClients) - 1; i >= 0; i-- {
		if err := c.bastionClients[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Host returns the hostname this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// SSHClient exposes the underlying SSH client for subsystems that open
// their own channels: SFTP transfers and tunneled health probes.
func (c *Client) SSHClient() *ssh.Client {
	return c.sshClient
}

// DialTunnel opens a TCP connection to addr through this client's SSH
// connection. Used to probe services that are only reachable from the
// target's side of the network (e.g. health ports behind a bastion).
func (c *Client) DialTunnel(addr string) (net.Conn, error) {
	conn, err := c.sshClient.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel through %s to %s: %w", c.host, addr, err)
	}
	return conn, nil
}

// buildClientConfig resolves the dial address and ssh.ClientConfig for a
// host. Explicit values in conf win; gaps fall back to ~/.ssh/config, then
// environment defaults. When the pool calls this, the inventory layer has
// already resolved HostName aliases, so host is the hostname to dial.
func buildClientConfig(host string, conf ClientConfig) (addr string, sshConf *ssh.ClientConfig, err error) {
	user := conf.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := conf.Port
	if port == 0 {
		if p, convErr := strconv.Atoi(sshconfig.Get(host, "Port")); convErr == nil {
			port = p
		}
	}
	if port == 0 {
		port = 22
	}

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return "", nil, fmt.Errorf("host key callback: %w", err)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), &ssh.ClientConfig{
		User:            user,
		Auth:            buildAuthMethods(host, conf),
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// buildAuthMethods constructs the auth chain: agent, then key files, then
// the password callback.
func buildAuthMethods(host string, conf ClientConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	keyFiles := conf.IdentityFiles
	if len(keyFiles) == 0 {
		keyFiles = resolveKeyFiles(host)
	}
	for _, keyFile := range keyFiles {
		if signer := loadKeySigner(keyFile); signer != nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if conf.PasswordCallback != nil {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return conf.PasswordCallback(host)
		}))
	}

	return methods
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
// This is a no-op if no agent connection has been established.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

// agentAuthMethod returns an auth method using the SSH agent, or nil
// if the agent is unavailable or has no keys.
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) > 0 {
				return ssh.PublicKeysCallback(sharedAgent.client.Signers)
			}
			return nil
		}
		// Stale connection. Close and retry.
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

// resolveKeyFiles returns key file paths from ssh_config and default
// locations. ssh_config reports a default IdentityFile even for hosts it
// says nothing about, so every candidate is stat-checked before use.
func resolveKeyFiles(host string) []string {
	var files []string

	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		expanded := pathutil.ExpandHome(identity)
		if _, err := os.Stat(expanded); err == nil {
			files = append(files, expanded)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		candidate := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(candidate); err == nil {
			files = append(files, candidate)
		}
	}

	return files
}

// loadKeySigner reads a private key file and returns a signer.
func loadKeySigner(path string) ssh.Signer {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

// resolveHostKeyCallback builds the host key callback.
func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}

	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; use --insecure to skip host key verification", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// dialContext dials a network address with context cancellation support.
func dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
