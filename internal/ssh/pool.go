package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/chatmrpt/convoy/internal/executor"
	"github.com/chatmrpt/convoy/internal/logging"
)

// dialCall coordinates goroutines waiting on the same host's dial.
// done is closed once client and err are set.
type dialCall struct {
	done   chan struct{}
	client *Client
	err    error
}

// Pool manages persistent SSH connections to multiple targets.
// A deployment holds one connection per target across its transfer, restart,
// and health phases. The pool implements executor.Runner, reusing cached
// connections across commands and automatically reconnecting on stale ones.
type Pool struct {
	mu        sync.Mutex
	clients   map[string]*Client
	inflight  map[string]*dialCall
	baseConf  ClientConfig
	hostConfs map[string]HostConfig
}

// NewPool creates a connection pool with the given base config and per-target overrides.
func NewPool(baseConf ClientConfig, hostConfs map[string]HostConfig) *Pool {
	return &Pool{
		clients:   make(map[string]*Client),
		inflight:  make(map[string]*dialCall),
		baseConf:  baseConf,
		hostConfs: hostConfs,
	}
}

// GetClient returns a pooled connection to the given host, dialing one if
// needed. The returned client is owned by the pool: callers must not close
// it. Concurrent callers for the same host share a single dial attempt.
func (p *Pool) GetClient(ctx context.Context, host string) (*Client, error) {
	client, err := p.getOrDial(ctx, host)
	if err != nil {
		return nil, WrapConnectError(host, err)
	}
	return client, nil
}

// Run implements executor.Runner. It reuses a cached connection if available,
// dialing a new one if needed. If a command fails with what looks like a
// connection error, it evicts the cached connection and retries once.
func (p *Pool) Run(ctx context.Context, host string, command string) *executor.Result {
	result := &executor.Result{Target: host}

	stdout, stderr, exitCode, err := p.exec(ctx, host, command)
	if err != nil && isReconnectable(err) {
		log := logging.WithComponent("ssh")
		log.Debug().
			Str("host", host).
			Err(err).
			Msg("connection went stale, redialing")
		p.Evict(host)
		stdout, stderr, exitCode, err = p.exec(ctx, host, command)
	}

	result.Stdout = stdout
	result.Stderr = stderr
	result.ExitCode = exitCode
	result.Err = err
	return result
}

func (p *Pool) exec(ctx context.Context, host string, command string) ([]byte, []byte, int, error) {
	client, err := p.getOrDial(ctx, host)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("connect: %w", err)
	}
	return client.RunCommand(ctx, command)
}

func (p *Pool) getOrDial(ctx context.Context, host string) (*Client, error) {
	p.mu.Lock()

	if client, ok := p.clients[host]; ok {
		p.mu.Unlock()
		return client, nil
	}

	// Someone else is already dialing this host: wait for their result.
	if call, ok := p.inflight[host]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.client, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &dialCall{done: make(chan struct{})}
	p.inflight[host] = call
	p.mu.Unlock()

	conf, dialHost := resolveHostConf(p.baseConf, p.hostConfs, host)
	call.client, call.err = Dial(ctx, dialHost, conf)

	p.mu.Lock()
	delete(p.inflight, host)
	if call.err == nil {
		p.clients[host] = call.client
	}
	p.mu.Unlock()
	close(call.done)

	return call.client, call.err
}

// Evict drops the cached connection for a host and closes it.
// The next GetClient or Run dials fresh.
func (p *Pool) Evict(host string) {
	p.mu.Lock()
	client, ok := p.clients[host]
	if ok {
		delete(p.clients, host)
	}
	p.mu.Unlock()

	if ok {
		client.Close()
	}
}

// IsConnected reports whether a cached connection exists for the given host.
func (p *Pool) IsConnected(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[host]
	return ok
}

// Close closes all cached connections and resets the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var firstErr error
	for _, client := range clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveHostConf applies per-target overrides to a base SSH client config.
func resolveHostConf(base ClientConfig, hostConfs map[string]HostConfig, host string) (ClientConfig, string) {
	conf := base
	dialHost := host
	if hc, ok := hostConfs[host]; ok {
		if hc.Hostname != "" {
			dialHost = hc.Hostname
		}
		if hc.User != "" {
			conf.User = hc.User
		}
		if hc.Port > 0 {
			conf.Port = hc.Port
		}
		if hc.IdentityFile != "" {
			conf.IdentityFiles = []string{hc.IdentityFile}
		}
		if hc.Via != "" {
			conf.Via = hc.Via
		}
	}
	return conf, dialHost
}

// isReconnectable separates transport failures worth one fresh dial from
// permanent ones. Context cancellation and auth rejections stay fatal;
// anything that smells like a dropped TCP connection is retried.
func isReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
