package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterLimiterFirstWaitIsImmediate(t *testing.T) {
	l := NewJitterLimiter(time.Hour, time.Hour)
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, l.Wait(context.Background()))
	assert.Empty(t, slept)

	require.NoError(t, l.Wait(context.Background()))
	require.Len(t, slept, 1)
	assert.InDelta(t, float64(time.Hour), float64(slept[0]), float64(time.Second))
}

func TestJitterLimiterDelayWithinBounds(t *testing.T) {
	l := NewJitterLimiter(2*time.Second, 5*time.Second)

	for i := 0; i < 100; i++ {
		d := l.calculateDelay()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
}

func TestJitterLimiterSetDelayClampsMax(t *testing.T) {
	l := NewJitterLimiter(time.Second, 2*time.Second)
	l.SetDelay(3*time.Second, time.Second)

	assert.Equal(t, 3*time.Second, l.calculateDelay())
}

func TestJitterLimiterHonorsContext(t *testing.T) {
	l := NewJitterLimiter(time.Hour, time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestUnlimited(t *testing.T) {
	var l Limiter = Unlimited{}
	assert.NoError(t, l.Wait(context.Background()))
}
