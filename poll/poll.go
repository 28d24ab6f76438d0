// Package poll implements the bounded wait loop shared by every waiting step
// of a verification run: each loop computes an absolute deadline on entry and
// gives up once the wall clock passes it, however many attempts were made.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pingcap/errors"
)

// Func is one attempt. It returns nil when the awaited condition holds,
// a Pending error while it does not hold yet, a Permanent error to stop
// immediately, or any other error, which is retried until the deadline.
type Func func(ctx context.Context) error

type pendingError struct {
	state string
}

func (e *pendingError) Error() string {
	return e.state
}

// Pending reports that the condition does not hold yet. The formatted state
// is kept as the last-seen state for the timeout report.
func Pending(format string, args ...interface{}) error {
	return &pendingError{state: fmt.Sprintf(format, args...)}
}

// IsPending reports whether err was produced by Pending.
func IsPending(err error) bool {
	_, ok := errors.Cause(err).(*pendingError)
	return ok
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// TimeoutError is returned when the deadline passes before the condition holds.
type TimeoutError struct {
	Op       string
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts int
	// LastState is the last Pending state, LastErr the last failed attempt.
	LastState string
	LastErr   error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: timed out after %s (%d attempts)", e.Op, e.Elapsed.Round(time.Millisecond), e.Attempts)
	if e.LastState != "" {
		msg += ", last state: " + e.LastState
	}
	if e.LastErr != nil {
		msg += ", last error: " + e.LastErr.Error()
	}
	return msg
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutError)
	return ok
}

// Until calls fn every interval until it returns nil, returns a Permanent
// error, or timeout elapses. The context passed to fn carries the deadline,
// so a single slow attempt cannot outlive it.
func Until(ctx context.Context, op string, interval, timeout time.Duration, fn Func) error {
	if timeout <= 0 {
		return errors.Errorf("%s: non-positive timeout %s", op, timeout)
	}
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	dctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	var (
		attempts  int
		done      bool
		lastState string
		lastErr   error
		permanent error
	)

	_ = retry.Do(
		func() error {
			attempts++
			err := fn(dctx)
			recorded := lastState != "" || lastErr != nil
			switch {
			case err == nil:
				done = true
				return nil
			case dctx.Err() != nil && recorded:
				// cut short by the deadline; keep what the last full attempt saw
			case IsPending(err):
				lastState = err.Error()
			default:
				if p, ok := errors.Cause(err).(*permanentError); ok {
					permanent = p.err
					return retry.Unrecoverable(p.err)
				}
				lastErr = err
			}
			return err
		},
		retry.Context(dctx),
		retry.Attempts(0),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)

	if done {
		return nil
	}
	if permanent != nil {
		return permanent
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return &TimeoutError{
		Op:        op,
		Timeout:   timeout,
		Elapsed:   time.Since(start),
		Attempts:  attempts,
		LastState: lastState,
		LastErr:   lastErr,
	}
}
