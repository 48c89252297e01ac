//go:build linux

// Package supervisor implements the shepherd's top-level state machine:
// starting -> running -> draining -> finished. It owns the child process,
// the two pipe readers, the FIFO listener, the sampler, and the
// ProcessHistory. Every one of those sub-components runs on its own
// goroutine, but each only ever touches ProcessHistory and pipesWaiting by
// handing a closure to the Supervisor's single event loop over the events
// channel - mirroring the original's single-threaded callback discipline
// (spec.md section 5) without actually requiring one OS thread.
package supervisor

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/patricbrc/p3x-shepherd/pkg/clock"
	"github.com/patricbrc/p3x-shepherd/pkg/fifolistener"
	"github.com/patricbrc/p3x-shepherd/pkg/history"
	"github.com/patricbrc/p3x-shepherd/pkg/pipereader"
	"github.com/patricbrc/p3x-shepherd/pkg/sampler"
	"github.com/patricbrc/p3x-shepherd/pkg/shepherdconfig"
)

// waitTimeout bounds the blocking wait on the child in the draining state,
// per spec.md section 5's "bounded by a safety timeout (e.g. 30s)".
const waitTimeout = 30 * time.Second

const preloadLibrary = "./p3x-preload.so"

// Writer is the subset of pkg/upstream.Writer the supervisor and its
// sub-components need.
type Writer interface {
	WriteBlock(key string, body []byte, flush bool) error
}

// Supervisor runs exactly one task to completion: spawn a command, stream
// its output, sample and reconcile its process tree, and publish a final
// summary. It is single-use - call Run once.
type Supervisor struct {
	cfg    shepherdconfig.Config
	writer Writer

	history *history.History
	fifo    *fifolistener.Listener

	// events is the single-threaded event loop's inbox. Every mutation of
	// history or pipesWaiting is expressed as a closure sent here; only
	// the goroutine running Run's select loop ever executes one, so
	// nothing touched exclusively from inside a closure needs a lock.
	events chan func()

	pipesWaiting int
	drainCh      chan struct{}
	drained      bool
}

// New constructs a Supervisor for cfg, publishing blocks to writer.
func New(cfg shepherdconfig.Config, writer Writer) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		writer:  writer,
		history: history.New(),
		events:  make(chan func(), 8),
		drainCh: make(chan struct{}),
	}
}

// Run executes the full starting -> running -> draining -> finished
// sequence and returns the shepherd's own process exit code (not the
// child's - that is delivered in-band via the "exitcode" block).
func (s *Supervisor) Run() int {
	cmdPath, err := resolveCommand(s.cfg.Command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot find command %s in PATH: %s\n", s.cfg.Command, os.Getenv("PATH"))
		return 1
	}

	fifoPath := filepath.Join(os.TempDir(), fmt.Sprintf("p3x-shepherd-%d.fifo", os.Getpid()))
	fifo, err := fifolistener.Create(fifoPath)
	if err != nil {
		slog.Error("fifo create failed", "err", err)
		return 1
	}
	s.fifo = fifo
	defer s.fifo.Unlink()

	cmd := exec.Command(cmdPath, s.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"LD_PRELOAD="+preloadLibrary,
		"P3_SHEPHERD_FIFO="+fifoPath,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		slog.Error("stdout pipe failed", "err", err)
		return 1
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		slog.Error("stderr pipe failed", "err", err)
		return 1
	}

	if err := cmd.Start(); err != nil {
		slog.Error("child spawn failed", "err", err)
		return 1
	}

	pid := cmd.Process.Pid
	s.history.SetRoot(pid)
	// Record the root right away, so a child that exits before the first
	// sampling tick still gets a runtime_summary entry. The event loop has
	// not started yet, so history is touched here from its own goroutine.
	s.history.PidNew(pid)
	s.writeBlock("pid", []byte(strconv.Itoa(pid)+"\n"), true)

	go s.resolveHostname()

	s.pipesWaiting = 2
	go pipereader.New("stdout", stdout, s.writer).Run(s.onPipeDone)
	go pipereader.New("stderr", stderr, s.writer).Run(s.onPipeDone)
	go s.fifo.Run(s)

	smp := sampler.New(s.cfg.MeasurementInterval, s, nil)
	smp.Start()

	s.loop()

	smp.Cancel()
	s.fifo.Cancel()
	s.drain(cmd)
	return 0
}

// loop is the single event-loop goroutine: every closure enqueued by a
// sub-component (pipe readers, the FIFO listener, the sampler) runs here,
// serialized, until the draining transition fires.
func (s *Supervisor) loop() {
	for {
		select {
		case fn := <-s.events:
			fn()
			if s.drained {
				return
			}
		case <-s.drainCh:
			return
		}
	}
}

// onPipeDone is invoked once per pipe reader on EOF, from that reader's own
// goroutine. Once both have reported, the supervisor transitions from
// running to draining.
func (s *Supervisor) onPipeDone() {
	s.events <- func() {
		s.pipesWaiting--
		if s.pipesWaiting == 0 {
			s.drained = true
		}
	}
}

// PidNew implements fifolistener.Dispatcher, forwarding onto the event
// loop so the FIFO listener goroutine never touches History directly.
func (s *Supervisor) PidNew(pid int) {
	s.events <- func() { s.history.PidNew(pid) }
}

// PidDone implements fifolistener.Dispatcher; see PidNew.
func (s *Supervisor) PidDone(pid int, utime, stime float64) {
	s.events <- func() { s.history.PidDone(pid, utime, stime) }
}

// Check implements sampler.Checker. It blocks the sampler's own timer
// goroutine until the event loop has run the check and emitted the
// resulting dynamic_utilization block, preserving the sampler's assumption
// that Check() happens-before the next tick is armed.
func (s *Supervisor) Check() {
	done := make(chan struct{})
	s.events <- func() {
		s.history.Check()
		s.emitDynamicUtilizationLocked()
		close(done)
	}
	<-done
}

// drain performs terminal reconciliation: block on the child, publish its
// exit code, emit one final dynamic_utilization line from aggregate
// kernel-reported rusage for reaped children (falling back to the sampled
// history totals if getrusage fails), then one runtime_summary line per observed PID in
// insertion order plus the aggregate line. By this point the event loop has
// exited, so history is touched directly and safely from this goroutine
// alone.
func (s *Supervisor) drain(cmd *exec.Cmd) {
	exitCode := waitBounded(cmd, waitTimeout)
	s.writeBlock("exitcode", []byte(strconv.Itoa(exitCode)+"\n"), true)

	s.history.Check()

	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_CHILDREN, &ru); err != nil {
		slog.Warn("getrusage for children failed, using sampled totals", "err", err)
		s.emitDynamicUtilizationLocked()
	} else {
		utime := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)*1e-6
		stime := float64(ru.Stime.Sec) + float64(ru.Stime.Usec)*1e-6
		line := fmt.Sprintf("t=%f utime=%f stime=%f\n", clock.Now().UnixSeconds(), utime, stime)
		s.writeBlock("dynamic_utilization", []byte(line), false)
	}

	entries := s.history.Entries()
	for _, e := range entries {
		s.writeBlock("runtime_summary", []byte(formatRuntimeSummary(e)+"\n"), false)
	}

	utime, stime := s.history.CumulativeTimes()
	s.writeBlock("runtime_summary", []byte(fmt.Sprintf("aggregate utime=%f stime=%f\n", utime, stime)), true)
}

// emitDynamicUtilizationLocked reads history and publishes one
// dynamic_utilization block. The name signals that callers must already be
// running on the event loop (or after it has exited) - it performs no
// synchronization of its own.
func (s *Supervisor) emitDynamicUtilizationLocked() {
	utime, stime := s.history.CumulativeTimes()
	line := fmt.Sprintf("t=%f utime=%f stime=%f\n", clock.Now().UnixSeconds(), utime, stime)
	s.writeBlock("dynamic_utilization", []byte(line), false)
}

func (s *Supervisor) resolveHostname() {
	unqualified, err := os.Hostname()
	if err != nil {
		slog.Warn("hostname resolution failed entirely", "err", err)
		s.writeBlock("hostname", []byte("unknown\n"), true)
		return
	}

	cname, err := net.LookupCNAME(unqualified)
	if err != nil || cname == "" {
		s.writeBlock("hostname", []byte(unqualified+"\n"), true)
		return
	}
	s.writeBlock("hostname", []byte(trimTrailingDot(cname)+"\n"), true)
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

func (s *Supervisor) writeBlock(key string, body []byte, flush bool) {
	if err := s.writer.WriteBlock(key, body, flush); err != nil {
		slog.Warn("upstream write failed", "key", key, "err", err)
	}
}

// resolveCommand mirrors spec.md's "starting" rule: a command containing a
// path separator is used verbatim, otherwise it is searched for on PATH.
func resolveCommand(command string) (string, error) {
	if filepath.Base(command) != command {
		if _, err := os.Stat(command); err != nil {
			return "", err
		}
		return command, nil
	}
	return exec.LookPath(command)
}

// waitBounded blocks on cmd.Wait() with a safety timeout, per spec.md's
// "Suspension points" note: if the child has re-parented descendants that
// keep its pipes open, the wait could otherwise block indefinitely.
func waitBounded(cmd *exec.Cmd, timeout time.Duration) int {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCodeFrom(cmd, err)
	case <-time.After(timeout):
		slog.Warn("wait timed out, proceeding with best-effort exit code")
		return 0
	}
}

func exitCodeFrom(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	slog.Warn("wait failed, degrading to exit code 0", "err", err)
	return 0
}
