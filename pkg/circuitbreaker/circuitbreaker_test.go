package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func pass(context.Context) error { return nil }

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	var transitions []string
	cb := New("test",
		WithFailureThreshold(3),
		WithSuccessThreshold(2),
		WithTimeout(time.Minute),
		WithClock(clock),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	require.True(t, cb.IsOpen())
	assert.ErrorIs(t, cb.Execute(ctx, pass), ErrCircuitOpen)

	clock.Advance(time.Minute)
	require.NoError(t, cb.Execute(ctx, pass))
	assert.Equal(t, StateHalfOpen, cb.State())

	// The first trial request released its slot, so a second one may run.
	require.NoError(t, cb.Execute(ctx, pass))
	assert.True(t, cb.IsClosed())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clock))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.True(t, cb.IsOpen())

	clock.Advance(time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.True(t, cb.IsOpen())

	cb.Reset()
	assert.True(t, cb.IsClosed())
	assert.Zero(t, cb.Counts().Requests)
}

func TestCircuitBreaker_HalfOpenCapsConcurrentRequests(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Second), WithMaxHalfOpenRequests(2), WithClock(clock))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.True(t, cb.IsOpen())
	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	done := make(chan error, 2)
	blocked := func(context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}
	for i := 0; i < 2; i++ {
		go func() { done <- cb.Execute(ctx, blocked) }()
		<-entered
	}

	assert.ErrorIs(t, cb.Execute(ctx, pass), ErrTooManyRequests)

	close(release)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
	assert.True(t, cb.IsClosed())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	notFound := errors.New("not found")
	cb := ExamCatalogBreaker(func(err error) bool { return !errors.Is(err, notFound) }, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return notFound }), notFound)
	}
	assert.True(t, cb.IsClosed())
	assert.Equal(t, 10, cb.Counts().TotalSuccesses)
	assert.Equal(t, "exam-catalog", cb.Name())
}

func TestCircuitBreaker_ExecuteWithFallback(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Hour))
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)

	err := cb.ExecuteWithFallback(ctx, pass, func(err error) error {
		assert.ErrorIs(t, err, ErrCircuitOpen)
		return nil
	})
	assert.NoError(t, err)
}
