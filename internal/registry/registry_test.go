package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelStopsTheRunContext(t *testing.T) {
	r := New(8, time.Minute, nil)
	ctx, cancel := r.Register(context.Background(), "run-1")
	defer cancel()

	require.NoError(t, ctx.Err())
	assert.True(t, r.Cancel("run-1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	// monotonic: cancelling again still reports the run as known
	assert.True(t, r.Cancel("run-1"))
}

func TestCancelUnknownRun(t *testing.T) {
	r := New(8, time.Minute, nil)
	assert.False(t, r.Cancel("never-registered"))
}

func TestReRegisterReplacesAndCancels(t *testing.T) {
	r := New(8, time.Minute, nil)
	first, _ := r.Register(context.Background(), "run-1")
	second, cancel := r.Register(context.Background(), "run-1")
	defer cancel()

	assert.ErrorIs(t, first.Err(), context.Canceled)
	assert.NoError(t, second.Err())
	assert.Equal(t, 1, r.Len())

	// the replacement stays cancellable through the registry
	assert.True(t, r.Cancel("run-1"))
	assert.ErrorIs(t, second.Err(), context.Canceled)
}

func TestCapacityEvictionCancelsOldest(t *testing.T) {
	r := New(2, time.Minute, nil)
	oldest, _ := r.Register(context.Background(), "run-1")
	r.Register(context.Background(), "run-2")
	r.Register(context.Background(), "run-3")

	assert.Equal(t, 2, r.Len())
	assert.ErrorIs(t, oldest.Err(), context.Canceled)
	assert.False(t, r.Cancel("run-1"))
	assert.True(t, r.Cancel("run-2"))
	assert.True(t, r.Cancel("run-3"))
}

func TestTTLExpiryForgetsTheRun(t *testing.T) {
	r := New(8, 20*time.Millisecond, nil)
	ctx, _ := r.Register(context.Background(), "run-1")

	require.Eventually(t, func() bool {
		return !r.Cancel("run-1")
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return ctx.Err() != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoveCancelsAsSideEffect(t *testing.T) {
	r := New(8, time.Minute, nil)
	ctx, _ := r.Register(context.Background(), "run-1")

	r.Remove("run-1")
	assert.False(t, r.Cancel("run-1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, 0, r.Len())
}
