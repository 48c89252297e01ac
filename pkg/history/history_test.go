//go:build linux

package history

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patricbrc/p3x-shepherd/pkg/procfs"
)

func TestPidNew_InsertsRealProcessOnce(t *testing.T) {
	h := New()
	pid := os.Getpid()

	h.PidNew(pid)
	h.PidNew(pid) // idempotent

	entries := h.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, pid, entries[0].Pid)
	assert.True(t, entries[0].Valid)
}

func TestPidNew_UnknownPidStillRecorded(t *testing.T) {
	h := New()
	h.PidNew(999999)

	entries := h.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 999999, entries[0].Pid)
	assert.False(t, entries[0].Valid)
}

func TestPidDone_LatchesPreciseFinishAndIgnoresUnknown(t *testing.T) {
	h := New()
	h.PidNew(os.Getpid())

	h.PidDone(os.Getpid(), 12.5, 3.25)
	entries := h.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 12.5, entries[0].UTime)
	assert.Equal(t, 3.25, entries[0].STime)
	assert.True(t, entries[0].HavePreciseFinishData)
	assert.False(t, entries[0].Active)
	assert.False(t, entries[0].FinishTime.IsZero())

	// Unknown pid: dropped silently, no new entry appears.
	h.PidDone(424242, 1, 1)
	assert.Len(t, h.Entries(), 1)
}

func TestCheck_TracksSelfAsRootAndMarksFinishedWhenGone(t *testing.T) {
	h := New()
	h.SetRoot(os.Getpid())
	h.Check()

	entries := h.Entries()
	require.NotEmpty(t, entries)

	var self procfs.PidInfo
	found := false
	for _, e := range entries {
		if e.Pid == os.Getpid() {
			self = e
			found = true
		}
	}
	require.True(t, found, "Check should discover the root pid via the descendant walk")
	assert.True(t, self.Active)

	// Force an entry off the active set by wiping root to a pid that
	// doesn't exist; the previously-active self-entry must be marked
	// finished since it is no longer reachable from the (now bogus) root.
	h.SetRoot(999999)
	h.Check()

	entries = h.Entries()
	for _, e := range entries {
		if e.Pid == os.Getpid() {
			assert.False(t, e.Active, "pid unreachable from root must be marked finished")
		}
	}
}

func TestCumulativeTimes_SumsAcrossAllEntries(t *testing.T) {
	h := New()
	h.PidNew(os.Getpid())
	h.PidDone(os.Getpid(), 4, 6)

	h.insert(procfs.PidInfo{Pid: 42, UTime: 1, STime: 2})

	utime, stime := h.CumulativeTimes()
	assert.Equal(t, 5.0, utime)
	assert.Equal(t, 8.0, stime)
}

func TestDescendants_BFSOrderFollowsChildrenIndex(t *testing.T) {
	childrenOf := map[int][]int{
		1: {2, 3},
		2: {4},
		3: {5},
	}
	got := descendants(1, childrenOf)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestDescendants_ZeroRootIsEmpty(t *testing.T) {
	assert.Nil(t, descendants(0, map[int][]int{}))
}
