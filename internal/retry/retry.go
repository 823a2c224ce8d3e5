// Package retry computes backoff delays for upstream API calls. The
// calculator honors server-provided hints before falling back to
// exponential growth; it only computes delays, the caller loop decides
// whether to retry.
package retry

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// InitialInterval is the first exponential delay.
	InitialInterval = 2000 * time.Millisecond
	// Multiplier is the exponential growth factor.
	Multiplier = 2.0
	// MaxInterval caps the exponential delay when the error carried no
	// headers at all. A response with headers but no usable hint grows
	// uncapped; that asymmetry is deliberate and part of the contract.
	MaxInterval = 30 * time.Second
	// DefaultMaxDuration is the wall-clock budget of the bounded variant.
	DefaultMaxDuration = 600 * time.Second
)

// ErrAborted is returned by Sleep when the context is cancelled first.
var ErrAborted = errors.New("aborted")

// APIError is an upstream API failure carrying the response headers the
// calculator inspects: retry-after-ms and retry-after.
type APIError struct {
	Message         string
	StatusCode      int
	ResponseHeaders map[string]string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "api error"
}

func (e *APIError) header(name string) (string, bool) {
	if e.ResponseHeaders == nil {
		return "", false
	}
	v, ok := e.ResponseHeaders[name]
	return v, ok
}

// Delay computes the next delay for a 1-based attempt. The bool result is
// false when the caller should give up; the unbounded calculator never
// gives up.
//
// Hint precedence: retry-after-ms verbatim, retry-after as seconds, then
// retry-after as an HTTP date.
func Delay(err error, attempt int) (time.Duration, bool) {
	return delayAt(err, attempt, time.Now())
}

func delayAt(err error, attempt int, now time.Time) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.ResponseHeaders != nil {
		if ms, ok := apiErr.header("retry-after-ms"); ok {
			if n, err := strconv.ParseFloat(ms, 64); err == nil {
				return time.Duration(n) * time.Millisecond, true
			}
		}
		if ra, ok := apiErr.header("retry-after"); ok {
			if n, err := strconv.ParseFloat(ra, 64); err == nil {
				return time.Duration(math.Ceil(n*1000)) * time.Millisecond, true
			}
			if date, err := http.ParseTime(ra); err == nil {
				if until := date.Sub(now); until > 0 {
					ms := math.Ceil(float64(until) / float64(time.Millisecond))
					return time.Duration(ms) * time.Millisecond, true
				}
			}
		}
		// Headers present but no usable hint: exponential, uncapped.
		return exponential(attempt, false), true
	}
	// No headers at all: exponential, capped.
	return exponential(attempt, true), true
}

// exponential produces InitialInterval · Multiplier^(attempt-1) by
// stepping a deterministic backoff instance attempt times.
func exponential(attempt int, capped bool) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialInterval
	b.Multiplier = Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if capped {
		b.MaxInterval = MaxInterval
	} else {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// BoundedDelay is Delay under a wall-clock budget measured from
// startTime. It returns false when elapsed time has consumed the budget,
// when the unbounded delay would overrun it, or when the remaining slice
// is not positive.
func BoundedDelay(err error, attempt int, startTime time.Time, maxDuration time.Duration) (time.Duration, bool) {
	return boundedDelayAt(err, attempt, startTime, maxDuration, time.Now())
}

func boundedDelayAt(err error, attempt int, startTime time.Time, maxDuration time.Duration, now time.Time) (time.Duration, bool) {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	elapsed := now.Sub(startTime)
	if elapsed >= maxDuration {
		return 0, false
	}

	delay, ok := delayAt(err, attempt, now)
	if !ok {
		return 0, false
	}
	if delay > maxDuration {
		return 0, false
	}
	if remaining := maxDuration - elapsed; delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		return 0, false
	}
	return delay, true
}

// Sleep waits for d or until ctx is cancelled, whichever comes first. The
// timer is released on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrAborted
	}
}

// Do runs fn, retrying on *APIError with BoundedDelay pacing. Any other
// error propagates immediately. maxDuration <= 0 selects the default
// budget.
func Do(ctx context.Context, maxDuration time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return err
		}
		delay, ok := BoundedDelay(err, attempt, start, maxDuration)
		if !ok {
			return err
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}
