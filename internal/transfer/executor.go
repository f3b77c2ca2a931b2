package transfer

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/pkg/sftp"

	"github.com/chatmrpt/convoy/internal/logging"
	"github.com/chatmrpt/convoy/internal/manifest"
	cssh "github.com/chatmrpt/convoy/internal/ssh"
)

// ClientProvider returns an SSH client for a given target.
// Implemented by both ssh.Pool and ssh.SSHRunner.
type ClientProvider interface {
	GetClient(ctx context.Context, host string) (*cssh.Client, error)
}

// ClientCloser is optionally implemented by ClientProviders whose GetClient
// returns one-shot connections that the caller must close (e.g. SSHRunner).
// If a ClientProvider does not implement ClientCloser, clients are not closed
// by the executor (appropriate for pooled connections).
type ClientCloser interface {
	CloseClient(client *cssh.Client) error
}

// TransferResult holds the outcome of one manifest entry on one target.
type TransferResult struct {
	Target    string
	Entry     manifest.Entry
	Checksum  string
	BytesSent int64
	Duration  time.Duration
	Err       error
}

// Failed reports whether the entry did not land on the target.
func (r *TransferResult) Failed() bool {
	return r.Err != nil
}

// Executor pushes manifest entries to deployment targets.
type Executor struct {
	provider ClientProvider
	timeout  time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds the full manifest push for a single target.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates a transfer Executor.
func New(provider ClientProvider, opts ...Option) *Executor {
	e := &Executor{
		provider: provider,
		timeout:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Push uploads every manifest entry to one target under remoteRoot, reusing a
// single SFTP session. A failed entry is recorded and the remaining entries
// are still attempted, so one run identifies every broken (target, file)
// pair. Results are returned in manifest order, one per entry.
func (e *Executor) Push(ctx context.Context, target, remoteRoot string, entries []manifest.Entry, progressFn ProgressFunc) []TransferResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	log := logging.WithComponent("transfer")

	client, err := e.provider.GetClient(ctx, target)
	if err != nil {
		return failAll(target, entries, err)
	}
	if closer, ok := e.provider.(ClientCloser); ok {
		defer closer.CloseClient(client)
	}

	sftpClient, err := sftp.NewClient(client.SSHClient())
	if err != nil {
		return failAll(target, entries, fmt.Errorf("sftp client: %w", err))
	}
	defer sftpClient.Close()

	results := make([]TransferResult, 0, len(entries))
	for i, entry := range entries {
		start := time.Now()
		remotePath := path.Join(remoteRoot, entry.RemoteRel)

		checksum, written, err := pushOne(ctx, sftpClient, entry.LocalPath, remotePath, target, progressFn)
		results = append(results, TransferResult{
			Target:    target,
			Entry:     entry,
			Checksum:  checksum,
			BytesSent: written,
			Duration:  time.Since(start),
			Err:       err,
		})

		if err != nil {
			log.Warn().Str("target", target).Str("file", entry.LocalPath).Err(err).Msg("transfer failed")
		} else {
			log.Debug().Str("target", target).Str("file", entry.LocalPath).Int64("bytes", written).Msg("transferred")
		}

		// Once the context is dead every remaining entry fails the same way;
		// record them without touching the session again.
		if ctx.Err() != nil {
			for _, rest := range entries[i+1:] {
				results = append(results, TransferResult{Target: target, Entry: rest, Err: ctx.Err()})
			}
			break
		}
	}

	return results
}

func failAll(target string, entries []manifest.Entry, err error) []TransferResult {
	results := make([]TransferResult, len(entries))
	for i, entry := range entries {
		results[i] = TransferResult{Target: target, Entry: entry, Err: err}
	}
	return results
}
