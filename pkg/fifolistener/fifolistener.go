//go:build linux

// Package fifolistener opens the shepherd's control FIFO - the channel the
// preloaded shared library inside the child's address space uses to report
// precise process lifecycle events - and dispatches parsed records to a
// ProcessHistory.
package fifolistener

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how often the listener retries a non-blocking read
// that found no data pending (EAGAIN), and how often it retries an open that
// failed. A read with no writer present returns EOF instead, and Run reopens
// the FIFO at once without waiting. A real event loop
// would wait on readability via epoll; this is the single concession to
// not having one (see DESIGN.md's fifolistener entry).
const pollInterval = 10 * time.Millisecond

// maxRecordBytes bounds a single read. Per spec.md's open question on FIFO
// record framing, this implementation follows the documented assumption
// that each logical record is written in one syscall no larger than
// PIPE_BUF (4096 bytes on Linux) and therefore is never split across reads;
// see SPEC_FULL.md section 9 for the accepted risk under larger argvs.
const maxRecordBytes = 4096

// Dispatcher is the subset of pkg/history.History the listener drives.
// execve/START records call PidNew; exit/done records call PidDone with
// utime/stime reconstructed as sec + usec*1e-6.
type Dispatcher interface {
	PidNew(pid int)
	PidDone(pid int, utime, stime float64)
}

// Listener owns one FIFO's lifecycle: creation, repeated open/read/reopen
// until cancelled, and final unlink.
type Listener struct {
	path string

	mu        sync.Mutex
	cancelled bool
}

// Create makes the control FIFO at path with mode 0600, per spec.md section
// 4.4. The path must not already exist.
func Create(path string) (*Listener, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("fifolistener: mkfifo %s: %w", path, err)
	}
	return &Listener{path: path}, nil
}

// Path returns the FIFO's filesystem path.
func (l *Listener) Path() string { return l.path }

// Cancel stops the read loop. A loop iteration already blocked in a kernel
// open/read may not observe cancellation until it naturally unblocks (e.g.
// a writer closing), matching spec.md's "cancellation is cooperative,
// observed at the next opportunity" model for this loop.
func (l *Listener) Cancel() {
	l.mu.Lock()
	l.cancelled = true
	l.mu.Unlock()
}

func (l *Listener) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// Run reopens and drains the FIFO until Cancel is called, dispatching every
// well-formed record to dispatcher. It returns once cancelled; callers
// typically run this in its own goroutine and select on a done channel.
func (l *Listener) Run(dispatcher Dispatcher) {
	for !l.isCancelled() {
		f, err := os.OpenFile(l.path, os.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			if l.isCancelled() {
				return
			}
			slog.Warn("fifolistener: open failed, retrying", "path", l.path, "err", err)
			time.Sleep(pollInterval)
			continue
		}
		l.drain(f, dispatcher)
		f.Close()
	}
}

// drain reads whole records from f until EOF (the last writer closed) or
// cancellation, then returns so Run can reopen. The preload library's writes
// are assumed to be at most PIPE_BUF bytes and thus atomic with respect to
// the FIFO (see the maxRecordBytes doc comment), so a record never straddles
// two reads; one read may still carry several records, which are split
// wherever a line is a record kind (execve, START, exit or done).
func (l *Listener) drain(f *os.File, dispatcher Dispatcher) {
	buf := make([]byte, maxRecordBytes)
	for !l.isCancelled() {
		n, err := f.Read(buf)
		if n > 0 {
			lines := strings.Split(strings.TrimRight(string(buf[:n]), "\n"), "\n")
			start := 0
			for i := 1; i <= len(lines); i++ {
				if i < len(lines) {
					switch lines[i] {
					case "execve", "START", "exit", "done":
					default:
						continue
					}
				}
				dispatch(lines[start:i], dispatcher)
				start = i
			}
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			if errors.Is(err, unix.EAGAIN) {
				time.Sleep(pollInterval)
				continue
			}
			if l.isCancelled() {
				return
			}
			slog.Warn("fifolistener: read error, reopening", "path", l.path, "err", err)
			return
		}
	}
}

func dispatch(record []string, dispatcher Dispatcher) {
	if len(record) < 2 {
		slog.Warn("fifolistener: short record, dropping", "record", record)
		return
	}
	switch record[0] {
	case "execve", "START":
		pid, err := strconv.Atoi(record[1])
		if err != nil {
			slog.Warn("fifolistener: malformed pid in execve/START record", "err", err)
			return
		}
		dispatcher.PidNew(pid)

	case "exit", "done":
		if len(record) < 7 {
			slog.Warn("fifolistener: short exit/done record, dropping", "record", record)
			return
		}
		pid, err := strconv.Atoi(record[1])
		if err != nil {
			slog.Warn("fifolistener: malformed pid in exit/done record", "err", err)
			return
		}
		utime, stime, err := parseRusage(record[3:7])
		if err != nil {
			slog.Warn("fifolistener: malformed rusage", "err", err)
			return
		}
		dispatcher.PidDone(pid, utime, stime)

	default:
		slog.Warn("fifolistener: unknown record kind, dropping", "kind", record[0])
	}
}

func parseRusage(fields []string) (utime, stime float64, err error) {
	if len(fields) != 4 {
		return 0, 0, fmt.Errorf("fifolistener: expected 4 rusage fields, got %d", len(fields))
	}
	uSec, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	uUsec, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	sSec, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	sUsec, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	utime = float64(uSec) + float64(uUsec)*1e-6
	stime = float64(sSec) + float64(sUsec)*1e-6
	return utime, stime, nil
}

// Unlink removes the FIFO path. Safe to call more than once; a missing file
// is not an error, matching "FIFO path is always unlinked on supervisor
// teardown, including abnormal exits."
func (l *Listener) Unlink() error {
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
