//go:build linux

package procfs

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExists(t *testing.T) {
	assert.True(t, Exists(os.Getpid()))
	assert.False(t, Exists(999999))
}

func TestReadPidInfo_Self(t *testing.T) {
	info, err := ReadPidInfo(os.Getpid())
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.Equal(t, os.Getpid(), info.Pid)
	assert.Equal(t, os.Getppid(), info.PPid)
	assert.NotEmpty(t, info.Name)
	assert.False(t, info.StartTime.IsZero())
	assert.GreaterOrEqual(t, info.UTime, 0.0)
	assert.GreaterOrEqual(t, info.STime, 0.0)
}

func TestReadPidInfo_NoSuchPid(t *testing.T) {
	_, err := ReadPidInfo(999999)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNoSuchProcess)
}

func TestSnapshot_ContainsSelf(t *testing.T) {
	state, err := Snapshot()
	require.NoError(t, err)

	self, ok := state.Pids[os.Getpid()]
	require.True(t, ok, "snapshot should contain the running test process")
	assert.True(t, self.Valid)

	kids := state.ChildrenOf[self.PPid]
	assert.Contains(t, kids, self.Pid)
}

func TestVMPSS_NonNegative(t *testing.T) {
	pss := PidInfo{Pid: os.Getpid()}.VMPSS()
	assert.GreaterOrEqual(t, uint64(pss), uint64(0))
}

func TestVMPSS_MissingPidReturnsZero(t *testing.T) {
	pss := PidInfo{Pid: 999999}.VMPSS()
	assert.Equal(t, uint64(0), uint64(pss))
}

func TestUpdateStats_PeakRetentionAndPreciseLatch(t *testing.T) {
	p := &PidInfo{VMSize: 100, VMRSS: 50, UTime: 1, STime: 1}

	p.updateStats(PidInfo{VMSize: 50, VMRSS: 200, UTime: 2, STime: 2})
	assert.EqualValues(t, 100, p.VMSize, "vm_size must not decrease")
	assert.EqualValues(t, 200, p.VMRSS)
	assert.Equal(t, 2.0, p.UTime)

	p.HavePreciseFinishData = true
	p.updateStats(PidInfo{VMSize: 300, VMRSS: 300, UTime: 99, STime: 99})
	assert.EqualValues(t, 300, p.VMSize)
	assert.Equal(t, 2.0, p.UTime, "utime must not change once precise-finish is latched")
}

func TestSplitStat_HandlesSpacesAndParensInComm(t *testing.T) {
	line := "123 (my (weird) proc) S 456 123 123 0 -1 4194560 100 0 0 0 5 3 0 0 20 0 1 0 9999 1000 100 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 0 0 0 0 0 0 0 0"
	comm, fields, err := splitStat(line)
	require.NoError(t, err)
	assert.Equal(t, "my (weird) proc", comm)
	assert.Equal(t, "456", fields[1]) // ppid
}

func TestReadPidInfo_Monotonic(t *testing.T) {
	first, err := ReadPidInfo(os.Getpid())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := ReadPidInfo(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.UTime+second.STime, first.UTime+first.STime)
}
