//go:build linux

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockTicksDefaultAndOverride(t *testing.T) {
	t.Setenv("CLK_TCK", "")
	clockTicksPerSec = resolveClockTicks()
	assert.Equal(t, int64(100), ClockTicks())

	t.Setenv("CLK_TCK", "250")
	clockTicksPerSec = resolveClockTicks()
	assert.Equal(t, int64(250), ClockTicks())

	t.Setenv("CLK_TCK", "")
	clockTicksPerSec = resolveClockTicks()
}

func TestPageSizePositive(t *testing.T) {
	assert.Greater(t, PageSize(), 0)
}

func TestBootOffsetCentiseconds_Plausible(t *testing.T) {
	off, err := BootOffsetCentiseconds()
	require.NoError(t, err)

	// Converting "now" back through the offset should land within a
	// generous window of the actual current time - this is the "plausible
	// value" check described in spec.md's design notes.
	nowCS := Now().UnixMicro() / 10000
	assert.Greater(t, off, int64(0))
	assert.Less(t, off, nowCS)
}

func TestJiffiesToPoint_RoundTrips(t *testing.T) {
	off, err := BootOffsetCentiseconds()
	require.NoError(t, err)

	// A process that started "now" has jiffies-since-boot equal to
	// (now_cs - off) converted back to jiffies.
	nowCS := Now().UnixMicro() / 10000
	jiffies := uint64(float64(nowCS-off) * float64(ClockTicks()) / 100.0)

	p := JiffiesToPoint(jiffies, off)
	assert.WithinDuration(t, time.Now(), p.t, 2*time.Second)
}

func TestPoint_UnixSecondsAndString(t *testing.T) {
	p := FromUnixMicro(1_700_000_000_123_456)
	assert.InDelta(t, 1700000000.123456, p.UnixSeconds(), 1e-6)
	assert.Equal(t, "2023-11-14T22:13:20.123456Z", p.String())

	var zero Point
	assert.Equal(t, "-", zero.String())
	assert.True(t, zero.IsZero())
}

func TestPoint_Sub(t *testing.T) {
	a := FromUnixMicro(2_000_000)
	b := FromUnixMicro(1_000_000)
	assert.InDelta(t, 1.0, a.Sub(b), 1e-9)
}
