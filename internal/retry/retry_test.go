package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fast = Policy{MaxAttempts: 4, Interval: time.Millisecond, Multiplier: 2, MaxInterval: 4 * time.Millisecond}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	out := Do(context.Background(), fast, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not ready")
		}
		return "ok", nil
	})

	assert.True(t, out.OK())
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 3, out.Attempts)
	assert.NoError(t, out.Err)
}

func TestDoExhausted(t *testing.T) {
	boom := errors.New("still down")
	out := Do(context.Background(), fast, func(context.Context) (int, error) {
		return 0, boom
	})

	assert.Equal(t, Exhausted, out.Status)
	assert.Equal(t, 4, out.Attempts)
	assert.ErrorIs(t, out.Err, boom)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	target := errors.New("peer not found")
	calls := 0
	out := Do(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		return 0, Stop(target)
	})

	assert.Equal(t, Permanent, out.Status)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, out.Err, target)
	assert.False(t, IsPermanent(out.Err))
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{MaxAttempts: 5, Interval: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := Do(ctx, slow, func(context.Context) (int, error) {
		return 0, errors.New("nope")
	})

	assert.Equal(t, Canceled, out.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	out := Do(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("x")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, Exhausted, out.Status)
}

func TestNextCapsInterval(t *testing.T) {
	assert.Equal(t, 2*time.Millisecond, next(time.Millisecond, fast))
	assert.Equal(t, 4*time.Millisecond, next(3*time.Millisecond, fast))
	assert.Equal(t, time.Second, next(time.Second, Policy{}))
}

func TestDoBacksOffByPolicy(t *testing.T) {
	p := Policy{MaxAttempts: 3, Interval: 10 * time.Millisecond, Multiplier: 4, MaxInterval: time.Second}
	var calls []time.Time
	Do(context.Background(), p, func(context.Context) (int, error) {
		calls = append(calls, time.Now())
		return 0, errors.New("down")
	})

	if assert.Len(t, calls, 3) {
		assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 10*time.Millisecond)
		assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 40*time.Millisecond, "second wait is multiplied")
	}
}

func TestStopNil(t *testing.T) {
	assert.NoError(t, Stop(nil))
}

func TestWithinBoundsTotalWait(t *testing.T) {
	// waits: 1 + 2 + 4 + 4 = 11ms
	assert.Equal(t, 5, fast.Within(11*time.Millisecond).MaxAttempts)
	assert.Equal(t, 4, fast.Within(10*time.Millisecond).MaxAttempts)
	assert.Equal(t, 1, fast.Within(0).MaxAttempts)
	assert.Equal(t, 1, Policy{}.Within(time.Second).MaxAttempts)
}
