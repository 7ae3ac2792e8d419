package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Limiter paces consecutive page requests.
type Limiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// JitterLimiter waits a random delay between min and max since the previous
// action. The first Wait returns immediately.
type JitterLimiter struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	rnd        *rand.Rand
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewJitterLimiter(minDelay, maxDelay time.Duration) *JitterLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &JitterLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepContext,
	}
}

func (r *JitterLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastAction.IsZero() {
		elapsed := time.Since(r.lastAction)
		delay := r.calculateDelay()

		if elapsed < delay {
			if err := r.sleep(ctx, delay-elapsed); err != nil {
				return err
			}
		}
	}

	r.lastAction = time.Now()
	return nil
}

func (r *JitterLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max < min {
		max = min
	}
	r.minDelay = min
	r.maxDelay = max
}

func (r *JitterLimiter) calculateDelay() time.Duration {
	if r.minDelay == r.maxDelay {
		return r.minDelay
	}

	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(r.rnd.Int63n(int64(delta)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Unlimited never waits.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }

func (Unlimited) SetDelay(time.Duration, time.Duration) {}
