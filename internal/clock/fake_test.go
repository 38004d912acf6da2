package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fired []string

	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(1500*time.Millisecond, func() { fired = append(fired, "x") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	c.Advance(1500 * time.Millisecond)
	require.Equal(t, []string{"a"}, fired)
	require.Equal(t, []time.Duration{500 * time.Millisecond}, c.Pending())

	c.Advance(time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, time.Unix(0, 0).Add(2500*time.Millisecond), c.Now())
	require.Equal(t, []time.Duration{2 * time.Second, time.Second, 1500 * time.Millisecond}, c.Scheduled())
}

func TestFake_RearmingTimerRunsWithinWindow(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(10*time.Second, tick)
	}
	c.AfterFunc(10*time.Second, tick)

	c.Advance(35 * time.Second)
	require.Equal(t, 3, ticks)
}
