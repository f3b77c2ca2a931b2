// Package health verifies that services answer their HTTP probe endpoints
// after a restart.
//
// Service restarts are asynchronous: the process manager returns before the
// service is listening again. Verification therefore polls with doubling
// backoff under a bounded attempt budget instead of probing once.
package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/chatmrpt/convoy/internal/logging"
)

// Policy bounds the verification loop. The first probe fires immediately;
// later probes wait InitialDelay, doubling up to MaxDelay.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy matches the inventory defaults.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:     5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

func (p Policy) nextDelay(cur time.Duration) time.Duration {
	next := cur * 2
	if next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// Attempt records a single probe.
type Attempt struct {
	Number     int
	StatusCode int // 0 when the request itself failed
	Latency    time.Duration
	Err        error
}

// Result is the terminal outcome of verifying one endpoint.
type Result struct {
	Target     string // target name, or "aggregate" for the load balancer
	URL        string
	Healthy    bool
	StatusCode int           // last status observed, 0 if nothing answered
	Latency    time.Duration // latency of the final attempt
	Attempts   []Attempt
	Err        error // last probe error when no response arrived
}

// Failed reports whether the endpoint never answered 2xx within the budget.
func (r *Result) Failed() bool {
	return !r.Healthy
}

// Checker polls HTTP endpoints until they answer 2xx or the budget runs out.
type Checker struct {
	client *http.Client
	policy Policy
}

// New creates a Checker. A nil client gets a default with a 10 second
// per-request timeout.
func New(policy Policy, client *http.Client) *Checker {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Checker{client: client, policy: policy}
}

// Verify polls url until it answers 2xx or the attempt budget is exhausted.
// Every probe is recorded so the report can show how long the service took
// to come back.
func (c *Checker) Verify(ctx context.Context, target, url string) *Result {
	log := logging.WithComponent("health")
	result := &Result{Target: target, URL: url}

	delay := c.policy.InitialDelay
	for n := 1; n <= c.policy.Attempts; n++ {
		status, latency, err := c.probe(ctx, url)
		result.Attempts = append(result.Attempts, Attempt{
			Number:     n,
			StatusCode: status,
			Latency:    latency,
			Err:        err,
		})
		result.StatusCode = status
		result.Latency = latency
		result.Err = err

		if status >= 200 && status < 300 {
			result.Healthy = true
			log.Debug().Str("target", target).Int("attempt", n).Int("status", status).Msg("endpoint healthy")
			return result
		}
		log.Debug().Str("target", target).Int("attempt", n).Int("status", status).Err(err).Msg("probe failed")

		if ctx.Err() != nil {
			break
		}
		if n < c.policy.Attempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				result.Err = ctx.Err()
				log.Warn().Str("target", target).Str("url", url).Msg("verification cancelled")
				return result
			}
			delay = c.policy.nextDelay(delay)
		}
	}

	log.Warn().Str("target", target).Str("url", url).Int("attempts", len(result.Attempts)).Msg("endpoint unhealthy")
	return result
}

func (c *Checker) probe(ctx context.Context, url string) (status int, latency time.Duration, err error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, time.Since(start), err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	defer resp.Body.Close()
	return resp.StatusCode, time.Since(start), nil
}

// TunnelDialer opens a TCP connection from inside an established SSH session.
// Implemented by ssh.Client.
type TunnelDialer interface {
	DialTunnel(addr string) (net.Conn, error)
}

// ClientVia returns an http.Client whose TCP connections originate on the far
// side of an SSH connection. Probes of private-subnet targets ride the same
// hop the deployment used, so two-hop targets are verifiable without exposing
// their health ports.
func ClientVia(d TunnelDialer, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return d.DialTunnel(addr)
			},
		},
	}
}
