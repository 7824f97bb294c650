package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

func failingOp(calls *int) Operation {
	return func(ctx context.Context) (*provider.OperationResult, error) {
		*calls++
		return provider.Transient("connection refused", "network_error"), nil
	}
}

func succeedingOp(calls *int) Operation {
	return func(ctx context.Context) (*provider.OperationResult, error) {
		*calls++
		return provider.Success("done", nil), nil
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	var calls int
	for i := 0; i < 3; i++ {
		result, err := b.Call(ctx, failingOp(&calls))
		require.NoError(t, err)
		assert.Equal(t, provider.StatusTransientError, result.Status)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateOpen, b.GetStats().State)

	// Open breaker rejects without invoking the operation.
	_, err := b.Call(ctx, failingOp(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, calls)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	var calls int
	b.Call(ctx, failingOp(&calls))
	b.Call(ctx, failingOp(&calls))
	b.Call(ctx, succeedingOp(&calls))

	stats := b.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)

	// Two more failures must not trip the breaker after the reset.
	b.Call(ctx, failingOp(&calls))
	b.Call(ctx, failingOp(&calls))
	assert.Equal(t, StateClosed, b.GetStats().State)
}

func TestBreaker_PermanentFailuresDoNotTrip(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	ops := []Operation{
		func(ctx context.Context) (*provider.OperationResult, error) {
			return provider.Permanent("group gone", "not_found"), nil
		},
		func(ctx context.Context) (*provider.OperationResult, error) {
			return provider.Unauthorized("bot lacks admin"), nil
		},
		func(ctx context.Context) (*provider.OperationResult, error) {
			return provider.NotFound("no such member"), nil
		},
	}

	for i := 0; i < 10; i++ {
		_, err := b.Call(ctx, ops[i%len(ops)])
		require.NoError(t, err)
	}

	stats := b.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)
}

func TestBreaker_ErrorsCountAsFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	op := func(ctx context.Context) (*provider.OperationResult, error) {
		return nil, errors.New("dial tcp: timeout")
	}

	b.Call(ctx, op)
	b.Call(ctx, op)
	assert.Equal(t, StateOpen, b.GetStats().State)
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	var calls int
	b.Call(ctx, failingOp(&calls))
	require.Equal(t, StateOpen, b.GetStats().State)

	time.Sleep(20 * time.Millisecond)

	result, err := b.Call(ctx, succeedingOp(&calls))
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())
	assert.Equal(t, StateClosed, b.GetStats().State)
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	var calls int
	b.Call(ctx, failingOp(&calls))
	time.Sleep(20 * time.Millisecond)

	b.Call(ctx, failingOp(&calls))
	assert.Equal(t, StateOpen, b.GetStats().State)

	// Reopened breaker rejects again until the timeout elapses.
	_, err := b.Call(ctx, failingOp(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Timeout: time.Hour})
	ctx := context.Background()

	var calls int
	b.Call(ctx, failingOp(&calls))
	require.Equal(t, StateOpen, b.GetStats().State)

	b.Reset()

	stats := b.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)

	_, err := b.Call(ctx, succeedingOp(&calls))
	assert.NoError(t, err)
}

func TestSet_GetReturnsSameBreaker(t *testing.T) {
	s := NewSet(DefaultConfig())

	b1 := s.Get("slack")
	b2 := s.Get("slack")
	assert.Same(t, b1, b2)

	b3 := s.Get("github")
	assert.NotSame(t, b1, b3)
}

func TestSet_Stats(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	var calls int
	s.Get("slack").Call(ctx, failingOp(&calls))
	s.Get("github")

	stats := s.Stats()
	require.Len(t, stats, 2)

	byName := make(map[string]Stats)
	for _, st := range stats {
		byName[st.Name] = st
	}
	assert.Equal(t, StateOpen, byName["slack"].State)
	assert.Equal(t, StateClosed, byName["github"].State)
}

func TestSet_Reset(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1, Timeout: time.Hour})
	ctx := context.Background()

	var calls int
	s.Get("slack").Call(ctx, failingOp(&calls))

	assert.True(t, s.Reset("slack"))
	assert.Equal(t, StateClosed, s.Get("slack").GetStats().State)

	assert.False(t, s.Reset("nonexistent"))
}
