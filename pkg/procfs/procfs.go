//go:build linux

// Package procfs reads the kernel process table and produces, for each live
// PID, a PidInfo snapshot: identity, memory footprint, and CPU time. This is
// the shepherd's only data-source adapter - everything above it in
// pkg/history and pkg/supervisor treats /proc as an opaque kernel fact
// source reachable only through Snapshot and VMPSS.
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/patricbrc/p3x-shepherd/pkg/clock"
	"github.com/patricbrc/p3x-shepherd/pkg/types"
)

// PidInfo is one record per observed PID, following spec.md's data model:
// immutable identity (Pid/PPid), a name/exe pair, memory and CPU figures,
// and the active/finish bookkeeping ProcessHistory relies on.
type PidInfo struct {
	Pid  int
	PPid int

	Name string // comm, up to 15 chars
	Exe  string // resolved executable path, best-effort

	VMSize types.Bytes
	VMRSS  types.Bytes

	UTime float64 // seconds
	STime float64 // seconds

	StartTime clock.Point

	Active     bool
	FinishTime clock.Point

	// HavePreciseFinishData is set once the FIFO has delivered rusage for
	// this PID. Once true, sampled UTime/STime are never overwritten again.
	HavePreciseFinishData bool

	// Valid is true when the initial kernel read succeeded.
	Valid bool
}

// VMPSS sums the per-mapping PSS field from /proc/<pid>/smaps for this PID.
// Missing or unreadable -> 0, never an error: it is explicitly on-demand and
// the sampler may skip it for throughput.
func (p PidInfo) VMPSS() types.Bytes {
	f, err := os.Open(fmt.Sprintf("/proc/%d/smaps", p.Pid))
	if err != nil {
		return 0
	}
	defer f.Close()

	var totalKB uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Pss:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		totalKB += kb
	}
	return types.Bytes(totalKB * 1024)
}

// updateStats folds a freshly-read PidInfo into the persistent one, applying
// spec.md's invariants: VMSize/VMRSS retain their peak (never decrease), and
// UTime/STime are only overwritten while not yet precise (FIFO-sourced).
func (p *PidInfo) updateStats(fresh PidInfo) {
	if fresh.VMSize > p.VMSize {
		p.VMSize = fresh.VMSize
	}
	if fresh.VMRSS > p.VMRSS {
		p.VMRSS = fresh.VMRSS
	}
	if !p.HavePreciseFinishData {
		p.UTime = fresh.UTime
		p.STime = fresh.STime
	}
}

// UpdateStats is the exported form of updateStats, used by pkg/history when
// reconciling a sampling tick against the persistent per-pid record.
func (p *PidInfo) UpdateStats(fresh PidInfo) { p.updateStats(fresh) }

// SystemProcessState is the ephemeral result of one Snapshot call: every
// live PID's PidInfo, plus a parent->children index for tree walks. It
// lives only for the duration of a single sampling tick.
type SystemProcessState struct {
	Pids       map[int]PidInfo
	ChildrenOf map[int][]int
}

// Snapshot enumerates /proc, constructing a PidInfo for every numeric entry.
// Per-PID parse failures yield a PidInfo with Valid=false and must never
// abort the walk - a process can vanish between readdir and read.
func Snapshot() (*SystemProcessState, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	state := &SystemProcessState{
		Pids:       make(map[int]PidInfo, len(entries)),
		ChildrenOf: make(map[int][]int),
	}

	bootOffset, err := clock.BootOffsetCentiseconds()
	if err != nil {
		bootOffset = 0
	}

	for _, e := range entries {
		name := e.Name()
		if !isAllDigits(name) {
			continue
		}
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}

		info := readPidInfo(pid, bootOffset)
		state.Pids[pid] = info
		state.ChildrenOf[info.PPid] = append(state.ChildrenOf[info.PPid], pid)
	}

	return state, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Exists reports whether a PID currently exists in /proc.
func Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// ReadPidInfo performs a single on-demand kernel read for pid, the same read
// Snapshot performs for every entry during a full walk. ProcessHistory.PidNew
// uses this directly, rather than waiting for the next sampling tick, so a
// FIFO-announced process has canonical start-time/comm data immediately.
func ReadPidInfo(pid int) (PidInfo, error) {
	bootOffset, err := clock.BootOffsetCentiseconds()
	if err != nil {
		bootOffset = 0
	}
	info := readPidInfo(pid, bootOffset)
	if !info.Valid {
		return info, ErrNoSuchProcess
	}
	return info, nil
}

// readPidInfo reads /proc/<pid>/stat and resolves /proc/<pid>/exe. Parse
// failures yield Valid=false with zeroed fields rather than propagating an
// error, matching spec.md section 4.1.
func readPidInfo(pid int, bootOffsetCS int64) PidInfo {
	info := PidInfo{Pid: pid, Active: true}

	line, err := readStatLine(pid)
	if err != nil {
		return info
	}

	name, fields, err := splitStat(line)
	if err != nil {
		return info
	}
	info.Name = name

	const (
		ppidIdx      = 1
		utimeIdx     = 11
		stimeIdx     = 12
		startTimeIdx = 19
		vsizeIdx     = 20
		rssIdx       = 21
	)
	if len(fields) <= rssIdx {
		return info
	}

	ppid, err := strconv.Atoi(fields[ppidIdx])
	if err != nil {
		return info
	}
	info.PPid = ppid

	utimeJ, _ := strconv.ParseUint(fields[utimeIdx], 10, 64)
	stimeJ, _ := strconv.ParseUint(fields[stimeIdx], 10, 64)
	info.UTime = float64(utimeJ) / float64(clock.ClockTicks())
	info.STime = float64(stimeJ) / float64(clock.ClockTicks())

	startJ, _ := strconv.ParseUint(fields[startTimeIdx], 10, 64)
	info.StartTime = clock.JiffiesToPoint(startJ, bootOffsetCS)

	vsize, _ := strconv.ParseUint(fields[vsizeIdx], 10, 64)
	info.VMSize = types.Bytes(vsize)

	rssPages, _ := strconv.ParseUint(fields[rssIdx], 10, 64)
	info.VMRSS = types.FromPages(rssPages, clock.PageSize())

	info.Exe, _ = os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	info.Valid = true
	return info
}

func readStatLine(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// splitStat extracts the comm field (which may itself contain spaces and
// parentheses) using the last ")" in the line, and splits everything after
// it into whitespace-separated fields. fields[0] is the state character;
// subsequent indices follow the column table in spec.md section 4.1.
func splitStat(line string) (comm string, fields []string, err error) {
	open := strings.IndexByte(line, '(')
	closeParen := strings.LastIndex(line, ")")
	if open < 0 || closeParen < 0 || closeParen < open {
		return "", nil, ErrNoStat
	}
	comm = line[open+1 : closeParen]
	rest := strings.TrimSpace(line[closeParen+1:])
	fields = strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, ErrShortStat
	}
	return comm, fields, nil
}
