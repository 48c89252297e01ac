package sampler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingChecker struct {
	n int32
}

func (c *countingChecker) Check() { atomic.AddInt32(&c.n, 1) }

func TestSampler_TicksRepeatedlyUntilCancelled(t *testing.T) {
	checker := &countingChecker{}
	var ticks int32
	s := New(5*time.Millisecond, checker, func() { atomic.AddInt32(&ticks, 1) })
	s.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&checker.n) >= 3
	}, time.Second, 5*time.Millisecond)

	s.Cancel()
	seenAtCancel := atomic.LoadInt32(&checker.n)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&checker.n), seenAtCancel+1, "no further ticks should fire after Cancel")
	assert.Equal(t, atomic.LoadInt32(&checker.n), atomic.LoadInt32(&ticks), "Check and onTick must run in lockstep")
}

func TestSampler_CancelBeforeStartPreventsArming(t *testing.T) {
	checker := &countingChecker{}
	s := New(5*time.Millisecond, checker, nil)
	s.Cancel()
	s.Start()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&checker.n))
}

func TestSampler_OnTickOptional(t *testing.T) {
	checker := &countingChecker{}
	s := New(5*time.Millisecond, checker, nil)
	assert.NotPanics(t, func() {
		s.Start()
		time.Sleep(20 * time.Millisecond)
		s.Cancel()
	})
}
