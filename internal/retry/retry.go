// Package retry runs an operation with bounded exponential backoff and
// reports a typed outcome instead of failing on "not ready yet".
package retry

import (
	"context"
	"errors"
	"time"
)

// Status is how a retried operation ended.
type Status string

const (
	Succeeded Status = "succeeded"
	Exhausted Status = "exhausted"
	Canceled  Status = "canceled"
	Permanent Status = "permanent"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
	// Multiplier grows the interval after each failure. Values below 1 keep
	// the interval constant.
	Multiplier float64
}

// NotReady is the policy for waiting on a platform client to connect:
// roughly ten seconds in total.
var NotReady = Policy{MaxAttempts: 10, Interval: 250 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 1.5}

// Outcome carries the final value, status and last error.
type Outcome[T any] struct {
	Value    T
	Status   Status
	Attempts int
	Err      error
}

// OK reports whether the operation succeeded.
func (o Outcome[T]) OK() bool { return o.Status == Succeeded }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Stop marks err as not worth retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Stop.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the context is
// done, or the attempts run out.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) Outcome[T] {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Interval

	var out Outcome[T]
	for i := 1; i <= attempts; i++ {
		out.Attempts = i
		if err := ctx.Err(); err != nil {
			out.Status, out.Err = Canceled, err
			return out
		}

		v, err := fn(ctx)
		if err == nil {
			out.Value, out.Status, out.Err = v, Succeeded, nil
			return out
		}
		out.Err = err

		var pe *permanentError
		if errors.As(err, &pe) {
			out.Status, out.Err = Permanent, pe.err
			return out
		}
		if i == attempts {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.Status = Canceled
			return out
		case <-timer.C:
		}
		wait = next(wait, p)
	}

	out.Status = Exhausted
	return out
}

func next(d time.Duration, p Policy) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// Within returns p with MaxAttempts set so the waits between attempts add
// up to at most total. At least one attempt is always made.
func (p Policy) Within(total time.Duration) Policy {
	p.MaxAttempts = 1
	if p.Interval <= 0 {
		return p
	}
	var spent time.Duration
	for d := p.Interval; spent+d <= total; d = next(d, p) {
		spent += d
		p.MaxAttempts++
	}
	return p
}
