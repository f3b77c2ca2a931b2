package transfer

import "io"

// ProgressFunc is called during file transfer with the target name, bytes
// transferred so far, and total expected bytes (0 if unknown).
type ProgressFunc func(target string, transferred, total int64)

// progressWriter wraps an io.Writer and reports bytes written via a callback.
type progressWriter struct {
	w           io.Writer
	target      string
	transferred int64
	total       int64
	onProgress  ProgressFunc
}

func newProgressWriter(w io.Writer, target string, total int64, fn ProgressFunc) *progressWriter {
	return &progressWriter{
		w:          w,
		target:     target,
		total:      total,
		onProgress: fn,
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.transferred += int64(n)
	if pw.onProgress != nil {
		pw.onProgress(pw.target, pw.transferred, pw.total)
	}
	return n, err
}
