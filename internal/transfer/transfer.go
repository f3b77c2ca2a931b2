// Package transfer pushes manifest entries to deployment targets over SFTP.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path on a single target via SFTP.
// It computes a SHA-256 checksum during transfer and verifies it remotely.
func PushFile(ctx context.Context, sshClient *ssh.Client, localPath, remotePath, target string, progressFn ProgressFunc) (checksum string, bytesWritten int64, err error) {
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return "", 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	return pushOne(ctx, sftpClient, localPath, remotePath, target, progressFn)
}

// pushOne uploads a single file over an existing SFTP session. Manifest pushes
// reuse one session per target instead of opening one per entry.
func pushOne(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath, target string, progressFn ProgressFunc) (checksum string, bytesWritten int64, err error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("open local file: %w", err)
	}
	defer localFile.Close()

	stat, err := localFile.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat local file: %w", err)
	}

	// Ensure remote directory exists. Use path (not filepath) because
	// remotePath is always a Unix path on the remote host.
	remoteDir := path.Dir(remotePath)
	if remoteDir != "." && remoteDir != "/" {
		if err := sftpClient.MkdirAll(remoteDir); err != nil {
			return "", 0, fmt.Errorf("create remote dir %s: %w", remoteDir, err)
		}
	}

	// Create truncates an existing remote file, so re-pushing the same entry
	// is a pure overwrite.
	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return "", 0, fmt.Errorf("create remote file: %w", err)
	}

	hasher := sha256.New()
	pw := newProgressWriter(remoteFile, target, stat.Size(), progressFn)
	writer := io.MultiWriter(pw, hasher)

	written, err := copyWithContext(ctx, writer, localFile)
	// Close the remote file to flush writes before checksum verification.
	remoteFile.Close()
	if err != nil {
		return "", written, fmt.Errorf("copy: %w", err)
	}

	localChecksum := hex.EncodeToString(hasher.Sum(nil))

	// Verify checksum by re-reading the remote file on the same SFTP session.
	remoteChecksum, err := remoteSHA256(sftpClient, remotePath)
	if err != nil {
		return localChecksum, written, fmt.Errorf("remote checksum verification failed: %w", err)
	}
	if remoteChecksum != localChecksum {
		return localChecksum, written, fmt.Errorf("checksum mismatch: local=%s remote=%s", localChecksum, remoteChecksum)
	}

	return localChecksum, written, nil
}

// remoteSHA256viasftp computes the SHA-256 checksum of a remote file by reading
// it back over SFTP. This avoids shell command injection risks and doesn't
// require sha256sum to be installed on the target.
func remoteSHA256viasftp(sftpClient *sftp.Client, remotePath string) (string, error) {
	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("read remote file for checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

var remoteSHA256 = remoteSHA256viasftp

// ctxReader fails the next Read once its context is done, which bounds how
// much of a large file still flows after a cancelled deployment.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// copyWithContext copies src to dst, aborting between chunks when ctx is
// cancelled.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, &ctxReader{ctx: ctx, r: src})
}
