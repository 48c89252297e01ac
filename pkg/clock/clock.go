// Package clock resolves the shepherd's time base: monotonic-ish wall-clock
// points, the kernel clock-tick constant, and the boot-time anchor used to
// convert a process's start-time-in-jiffies into an absolute time point.
package clock

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Point is a single wall-clock instant with microsecond resolution.
type Point struct {
	t time.Time
}

// Now returns the current wall-clock instant.
func Now() Point { return Point{t: time.Now()} }

// FromUnixMicro builds a Point from a POSIX microseconds-since-epoch value.
func FromUnixMicro(us int64) Point {
	return Point{t: time.UnixMicro(us)}
}

// UnixSeconds returns POSIX seconds-since-epoch as a float, matching the
// `<epoch_seconds_float>` format used in dynamic_utilization records.
func (p Point) UnixSeconds() float64 {
	return float64(p.t.UnixMicro()) * 1e-6
}

// UnixMicro returns POSIX microseconds-since-epoch.
func (p Point) UnixMicro() int64 { return p.t.UnixMicro() }

// IsZero reports whether the point was never set.
func (p Point) IsZero() bool { return p.t.IsZero() }

// Sub returns p-other in seconds.
func (p Point) Sub(other Point) float64 {
	return p.t.Sub(other.t).Seconds()
}

// String renders the point as RFC3339 with microseconds, used in
// runtime_summary lines.
func (p Point) String() string {
	if p.IsZero() {
		return "-"
	}
	return p.t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// clockTicksPerSec caches the resolved jiffies/second constant.
var clockTicksPerSec int64

func init() {
	clockTicksPerSec = resolveClockTicks()
}

// resolveClockTicks returns the kernel's jiffies/second constant. The true
// value comes from sysconf(_SC_CLK_TCK), which requires cgo; a pure-Go
// build instead honors the CLK_TCK env override (useful for tests against
// recorded /proc data from a different kernel) and otherwise falls back to
// 100, the value used by every Linux architecture Go currently targets.
func resolveClockTicks() int64 {
	if v, err := strconv.ParseInt(os.Getenv("CLK_TCK"), 10, 64); err == nil && v > 0 {
		return v
	}
	return 100
}

// ClockTicks returns the number of jiffies (clock ticks) per second.
func ClockTicks() int64 { return clockTicksPerSec }

// PageSize returns the system memory page size in bytes.
func PageSize() int { return os.Getpagesize() }

// JiffiesToPoint converts a kernel start-time-in-jiffies value (as read from
// /proc/<pid>/stat field 22) into an absolute time point, given the
// centisecond boot offset computed by BootOffsetCentiseconds.
func JiffiesToPoint(jiffies uint64, bootOffsetCS int64) Point {
	cs := bootOffsetCS + jiffiesToCentiseconds(jiffies)
	return FromUnixMicro(cs * 10000)
}

// jiffiesToCentiseconds converts a jiffy count into centiseconds using the
// resolved clock-tick constant (not necessarily 100, so this is float math
// truncated back to an integer rather than an integer divide that would
// truncate to zero whenever clockTicksPerSec > 100).
func jiffiesToCentiseconds(jiffies uint64) int64 {
	return int64(float64(jiffies) * 100.0 / float64(clockTicksPerSec))
}

// BootOffsetCentiseconds anchors kernel-reported start-times-in-jiffies to
// real time. Two methods are attempted, in order of preference:
//
//  1. High-resolution: read the calling process's own start-time-in-jiffies
//     from /proc/self/stat, and combine it with the current wall time to
//     solve for the constant offset between "centiseconds since epoch" and
//     "jiffies since boot".
//  2. Fallback: parse the `btime` field of /proc/stat (seconds since epoch),
//     scaled to centiseconds. This has only one-second granularity.
func BootOffsetCentiseconds() (int64, error) {
	if off, err := bootOffsetFromSelf(); err == nil {
		return off, nil
	}
	return bootOffsetFromBtime()
}

func bootOffsetFromSelf() (int64, error) {
	nowCS := Now().UnixMicro() / 10000
	selfJiffies, err := selfStartTimeJiffies()
	if err != nil {
		return 0, err
	}
	jiffiesCS := jiffiesToCentiseconds(uint64(selfJiffies))
	return nowCS - jiffiesCS, nil
}

func selfStartTimeJiffies() (int64, error) {
	b, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, err
	}
	line := string(b)
	open := strings.IndexByte(line, '(')
	closeParen := strings.LastIndex(line, ")")
	if open < 0 || closeParen < 0 || closeParen < open {
		return 0, fmt.Errorf("clock: malformed /proc/self/stat")
	}
	fields := strings.Fields(line[closeParen+1:])
	const startTimeIdx = 19 // see pkg/procfs column table
	if len(fields) <= startTimeIdx {
		return 0, fmt.Errorf("clock: /proc/self/stat too short")
	}
	return strconv.ParseInt(fields[startTimeIdx], 10, 64)
}

func bootOffsetFromBtime() (int64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime")), 10, 64)
		if err != nil {
			return 0, err
		}
		return secs * 100, nil
	}
	return 0, fmt.Errorf("clock: no btime line in /proc/stat")
}
