package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	initial := 200 * time.Millisecond
	assert.Equal(t, 200*time.Millisecond, Backoff(initial, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(initial, 2))
	assert.Equal(t, 800*time.Millisecond, Backoff(initial, 3))

	// Out-of-range attempts clamp to the first.
	assert.Equal(t, 200*time.Millisecond, Backoff(initial, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(initial, -3))
}

func neverTransient(error) bool { return false }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy, neverTransient, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUpToMaxAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	wantErr := errors.New("flaky")

	calls := 0
	err := Do(context.Background(), policy, func(error) bool { return true }, func() error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	permanent := errors.New("bad request")

	calls := 0
	err := Do(context.Background(), policy, func(err error) bool { return false }, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_RecoversMidway(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxJitter: time.Millisecond}

	calls := 0
	err := Do(context.Background(), policy, func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelInterruptsBackoff(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialBackoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, func(error) bool { return true }, func() error {
			calls++
			return errors.New("flaky")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}
