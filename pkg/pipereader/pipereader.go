// Package pipereader forwards a child process's stdout or stderr, verbatim
// and in 4096-byte chunks, to the upstream writer under a stream key, and
// reports end-of-file as a ".EOF" block on the same key.
package pipereader

import (
	"io"
	"log/slog"
)

// chunkSize matches the teacher's own read-buffer convention and spec.md's
// "each chunk is forwarded verbatim" wording.
const chunkSize = 4096

// BlockWriter is the subset of pkg/upstream.Writer a Reader needs.
type BlockWriter interface {
	WriteBlock(key string, body []byte, flush bool) error
}

// Reader streams one pipe (stdout or stderr) to the upstream writer under
// key, then emits "<key>.EOF" once the source is exhausted.
type Reader struct {
	key    string
	src    io.Reader
	writer BlockWriter
}

// New builds a Reader for src (the read end of a child's stdout or stderr
// pipe), tagging every forwarded block with key ("stdout" or "stderr").
func New(key string, src io.Reader, writer BlockWriter) *Reader {
	return &Reader{key: key, src: src, writer: writer}
}

// Run copies src to the upstream writer in chunks until EOF, then writes the
// "<key>.EOF" marker, and finally invokes onDone. Read errors are coerced to
// EOF per spec.md's failure semantics ("read errors on pipes are coerced to
// EOF"). Run blocks and is meant to be invoked from its own goroutine.
func (r *Reader) Run(onDone func()) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := r.writer.WriteBlock(r.key, chunk, false); werr != nil {
				slog.Warn("pipereader: write_block failed", "key", r.key, "err", werr)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("pipereader: read error coerced to EOF", "key", r.key, "err", err)
			}
			break
		}
	}

	if werr := r.writer.WriteBlock(r.key+".EOF", nil, true); werr != nil {
		slog.Warn("pipereader: write_block for EOF marker failed", "key", r.key, "err", werr)
	}
	if onDone != nil {
		onDone()
	}
}
