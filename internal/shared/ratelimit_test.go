package shared

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestUserLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewUserLimiter(1, 2, clk)

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"), "buckets are per user")

	clk.Step(time.Second)
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
}

func TestUserLimiter_Eviction(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewUserLimiter(1, 1, clk)

	l.Allow("u1")
	clk.Step(30 * time.Second)
	l.Allow("u2")
	clk.Step(40 * time.Second)

	assert.Equal(t, 1, l.Evict(time.Minute))
	assert.Equal(t, 1, l.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.RunEviction(ctx, clk, time.Minute)
	}()
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Minute)
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
