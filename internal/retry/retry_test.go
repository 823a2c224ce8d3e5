package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiErr(headers map[string]string) error {
	return &APIError{Message: "rate limited", StatusCode: 429, ResponseHeaders: headers}
}

func TestDelay_RetryAfterMs(t *testing.T) {
	d, ok := Delay(apiErr(map[string]string{"retry-after-ms": "750"}), 1)
	require.True(t, ok)
	assert.Equal(t, 750*time.Millisecond, d)
}

func TestDelay_RetryAfterSeconds(t *testing.T) {
	d, ok := Delay(apiErr(map[string]string{"retry-after": "2"}), 1)
	require.True(t, ok)
	assert.Equal(t, 2000*time.Millisecond, d)
}

func TestDelay_MsTakesPrecedence(t *testing.T) {
	d, ok := Delay(apiErr(map[string]string{
		"retry-after-ms": "750",
		"retry-after":    "99",
	}), 1)
	require.True(t, ok)
	assert.Equal(t, 750*time.Millisecond, d)
}

func TestDelay_HTTPDate(t *testing.T) {
	now := time.Now()
	date := now.Add(5 * time.Second).UTC().Format(time.RFC1123)
	// RFC1123 wants "GMT", not "UTC".
	date = date[:len(date)-3] + "GMT"

	d, ok := delayAt(apiErr(map[string]string{"retry-after": date}), 1, now)
	require.True(t, ok)
	assert.Greater(t, d, 3*time.Second)
	assert.LessOrEqual(t, d, 5*time.Second)
}

func TestDelay_HeadersWithoutHintUncapped(t *testing.T) {
	// Attempt 6 would cap at 30s in the headerless branch; with useless
	// headers present the delay keeps growing.
	d, ok := Delay(apiErr(map[string]string{"content-type": "application/json"}), 6)
	require.True(t, ok)
	assert.Equal(t, 64*time.Second, d)
}

func TestDelay_NoHeadersCapped(t *testing.T) {
	d, ok := Delay(apiErr(nil), 4)
	require.True(t, ok)
	assert.Equal(t, 16*time.Second, d)

	d, ok = Delay(apiErr(nil), 10)
	require.True(t, ok)
	assert.Equal(t, MaxInterval, d)
}

func TestDelay_Monotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d, ok := Delay(apiErr(nil), attempt)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestDelay_NonAPIError(t *testing.T) {
	d, ok := Delay(errors.New("plain failure"), 1)
	require.True(t, ok)
	assert.Equal(t, InitialInterval, d)
}

func TestBoundedDelay_BudgetAlmostSpent(t *testing.T) {
	now := time.Now()
	d, ok := boundedDelayAt(apiErr(nil), 10, now.Add(-599*time.Second), 600*time.Second, now)
	require.True(t, ok)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Second)
}

func TestBoundedDelay_ElapsedExceedsBudget(t *testing.T) {
	now := time.Now()
	_, ok := boundedDelayAt(apiErr(nil), 1, now.Add(-601*time.Second), 600*time.Second, now)
	assert.False(t, ok)
}

func TestBoundedDelay_DelayExceedsBudget(t *testing.T) {
	now := time.Now()
	// Server asks for more than the whole budget: give up.
	err := apiErr(map[string]string{"retry-after-ms": "700000"})
	_, ok := boundedDelayAt(err, 1, now, 600*time.Second, now)
	assert.False(t, ok)
}

func TestBoundedDelay_DefaultBudget(t *testing.T) {
	now := time.Now()
	d, ok := boundedDelayAt(apiErr(nil), 1, now, 0, now)
	require.True(t, ok)
	assert.Equal(t, InitialInterval, d)
}

func TestSleep_Completes(t *testing.T) {
	err := Sleep(context.Background(), time.Millisecond)
	assert.NoError(t, err)
}

func TestSleep_Aborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 10*time.Second)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_RetriesAPIErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), time.Minute, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return apiErr(map[string]string{"retry-after-ms": "1"})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_PropagatesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := Do(context.Background(), time.Minute, func(ctx context.Context) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}
