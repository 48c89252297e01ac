//go:build linux

// Package history maintains the longitudinal record of every descendant PID
// the shepherd has ever observed for the supervised child, reconciling
// periodic /proc samples against precise end-of-life data arriving
// asynchronously over the FIFO.
package history

import (
	"log/slog"

	"github.com/patricbrc/p3x-shepherd/pkg/clock"
	"github.com/patricbrc/p3x-shepherd/pkg/procfs"
)

// History is the persistent, per-supervisor store described in spec.md's
// ProcessHistory contract. It is owned exclusively by the supervisor and,
// per spec.md section 5, touched only from the single event-loop goroutine -
// no internal locking.
type History struct {
	root int

	status map[int]procfs.PidInfo
	// order preserves first-seen insertion order so runtime_summary output
	// is stable even though Go maps are not - the C++ original
	// got this for free from std::map's ordering (see DESIGN.md).
	order []int
}

// New returns an empty History.
func New() *History {
	return &History{status: make(map[int]procfs.PidInfo)}
}

// SetRoot records the PID of the supervised child, the root of the
// descendant walk Check performs.
func (h *History) SetRoot(pid int) { h.root = pid }

// PidNew handles a FIFO execve/START record. It is idempotent: if the pid is
// already known, it is left untouched. Otherwise a fresh PidInfo is
// constructed by consulting the kernel directly (not the FIFO payload -
// the kernel-supplied start time and comm are canonical). If the kernel
// read fails because the process is already gone, whatever PidInfo could be
// constructed (Valid=false) is still retained, so a later runtime_summary
// line exists for it.
func (h *History) PidNew(pid int) {
	if _, known := h.status[pid]; known {
		return
	}
	info, err := procfs.ReadPidInfo(pid)
	if err != nil {
		info = procfs.PidInfo{Pid: pid, Active: true}
	}
	h.insert(info)
}

// PidDone handles a FIFO exit/done record. If the pid is present, its
// precise finish data is latched (utime/stime from rusage, which never
// change again once HavePreciseFinishData is set). If absent, the record is
// logged and dropped - we never fabricate a PidInfo purely from FIFO data,
// since the FIFO payload is not trusted for identity fields.
func (h *History) PidDone(pid int, utime, stime float64) {
	info, known := h.status[pid]
	if !known {
		slog.Debug("history: pid_done for unknown pid, dropping", "pid", pid)
		return
	}
	info.UTime = utime
	info.STime = stime
	info.HavePreciseFinishData = true
	if info.Active {
		info.Active = false
		info.FinishTime = clock.Now()
	}
	h.status[pid] = info
}

func (h *History) insert(info procfs.PidInfo) {
	if _, known := h.status[info.Pid]; !known {
		h.order = append(h.order, info.Pid)
	}
	h.status[info.Pid] = info
}

// Check is the sampling step. It takes a fresh snapshot, walks the
// descendant tree rooted at h.root via the snapshot's ppid index, and
// reconciles it against the active set: new descendants are inserted,
// already-known ones are updated in place (peak memory, utime/stime unless
// precise), and anything that was active before this walk but missing from
// it is marked finished - this is the only path by which a process leaves
// the active set without a corresponding FIFO exit record.
func (h *History) Check() {
	state, err := procfs.Snapshot()
	if err != nil {
		slog.Warn("history: snapshot failed", "err", err)
		return
	}

	activeBefore := make(map[int]struct{})
	for pid, info := range h.status {
		if info.Active {
			activeBefore[pid] = struct{}{}
		}
	}

	seen := make(map[int]struct{})
	for _, d := range descendants(h.root, state.ChildrenOf) {
		fresh, ok := state.Pids[d]
		if !ok {
			// d is BFS-reachable (it was, or still is, listed as a child in
			// the ppid index) but absent from this snapshot's pid table -
			// most commonly h.root itself when the supervised child has
			// already exited without a FIFO record. Leave it out of seen so
			// the activeBefore sweep below marks it finished; a pid must be
			// confirmed alive in this snapshot to count as still seen.
			continue
		}
		seen[d] = struct{}{}

		if _, known := h.status[d]; !known {
			h.insert(fresh)
			continue
		}
		existing := h.status[d]
		existing.UpdateStats(fresh)
		h.status[d] = existing
	}

	now := clock.Now()
	for pid := range activeBefore {
		if _, stillSeen := seen[pid]; stillSeen {
			continue
		}
		info := h.status[pid]
		info.Active = false
		info.FinishTime = now
		h.status[pid] = info
	}
}

// descendants performs a BFS over the parent->children index rooted at p,
// mirroring original_source/pidinfo.cc's PidMap::children_of.
func descendants(root int, childrenOf map[int][]int) []int {
	if root == 0 {
		return nil
	}
	var out []int
	queue := []int{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		out = append(out, p)
		queue = append(queue, childrenOf[p]...)
	}
	return out
}

// CumulativeTimes sums utime/stime across every entry ever observed, active
// or finished.
func (h *History) CumulativeTimes() (utime, stime float64) {
	for _, info := range h.status {
		utime += info.UTime
		stime += info.STime
	}
	return utime, stime
}

// Entries returns every observed PidInfo in first-seen order, for
// runtime_summary emission.
func (h *History) Entries() []procfs.PidInfo {
	out := make([]procfs.PidInfo, 0, len(h.order))
	for _, pid := range h.order {
		out = append(out, h.status[pid])
	}
	return out
}
