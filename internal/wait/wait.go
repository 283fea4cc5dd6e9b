// Package wait is the synchronization controller: bounded polling waits over
// browser predicates. It is the only place in formnerd that suspends.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"formnerd/internal/logging"

	"golang.org/x/time/rate"
)

// DefaultPoll is used when a non-positive poll interval is passed.
const DefaultPoll = 100 * time.Millisecond

// Condition is a named predicate. Check errors are treated as "not yet" unless
// the context is done; the last one is kept for diagnostics.
type Condition struct {
	Name  string
	Check func(ctx context.Context) (bool, error)
}

// TimeoutExceeded is returned when no condition held before the timeout.
type TimeoutExceeded struct {
	Predicate string
	Elapsed   time.Duration
	LastErr   error
}

func (e *TimeoutExceeded) Error() string {
	msg := fmt.Sprintf("timed out after %v waiting for %s", e.Elapsed.Round(time.Millisecond), e.Predicate)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.LastErr)
	}
	return msg
}

// IsTimeout reports whether err is (or wraps) a TimeoutExceeded.
func IsTimeout(err error) bool {
	var te *TimeoutExceeded
	return errors.As(err, &te)
}

// Until polls cond every poll until it holds or timeout elapses.
// It returns (true, nil) on success and (false, *TimeoutExceeded) on timeout.
// If ctx is cancelled first, ctx.Err() is returned.
func Until(ctx context.Context, cond Condition, timeout, poll time.Duration) (bool, error) {
	if _, err := First(ctx, timeout, poll, cond); err != nil {
		return false, err
	}
	return true, nil
}

// First races conds under one shared timeout in a single polling loop and
// returns the index of the first condition that held. On each tick conditions
// are checked in argument order, so earlier ones win ties.
func First(ctx context.Context, timeout, poll time.Duration, conds ...Condition) (int, error) {
	if len(conds) == 0 {
		return -1, errors.New("wait: no conditions")
	}
	if poll <= 0 {
		poll = DefaultPoll
	}

	start := time.Now()
	wctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	// A zero timeout still gets one pass, evaluated under the caller's context.
	checkCtx := wctx
	if timeout <= 0 {
		checkCtx = ctx
	}

	lim := rate.NewLimiter(rate.Every(poll), 1)
	lim.Allow()

	var lastErr error
	for {
		for i, c := range conds {
			ok, err := c.Check(checkCtx)
			if err != nil {
				if checkCtx.Err() != nil {
					break
				}
				lastErr = fmt.Errorf("%s: %w", c.Name, err)
				continue
			}
			if ok {
				return i, nil
			}
		}
		// Wait refuses to sleep past the deadline, so the final tick never overshoots.
		if err := lim.Wait(wctx); err != nil {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	te := &TimeoutExceeded{Predicate: names(conds), Elapsed: time.Since(start), LastErr: lastErr}
	logging.Get(logging.CategoryWait).Debug("%v", te)
	return -1, te
}

// Settle is the one named fixed delay, for UI changes with no observable
// signal. It returns early with ctx.Err() if ctx is done.
func Settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func names(conds []Condition) string {
	if len(conds) == 1 {
		return conds[0].Name
	}
	s := ""
	for i, c := range conds {
		if i > 0 {
			s += " | "
		}
		s += c.Name
	}
	return s
}
