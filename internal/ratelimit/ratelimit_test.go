package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"Valid rate", 1024, false},
		{"Zero rate (unlimited)", 0, true},
		{"Negative rate (unlimited)", -1, true},
		{"Very low rate", 1, false},
		{"High rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil {
				assert.Nil(t, limiter)
				return
			}
			require.NotNil(t, limiter)
			assert.Equal(t, tt.bytesPerSecond, limiter.BytesPerSecond())
		})
	}
}

func TestNilLimiter(t *testing.T) {
	t.Parallel()

	var l *Limiter
	assert.NoError(t, l.Wait(context.Background(), 1<<20))
	assert.Zero(t, l.BytesPerSecond())
}

func TestWaitWithinBurst(t *testing.T) {
	t.Parallel()

	l := New(1 << 20)
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 1024))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitThrottles(t *testing.T) {
	t.Parallel()

	// 2 KiB/s: the first 2 KiB drain the bucket, the next 1 KiB needs ~0.5s.
	l := New(2048)
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 2048))
	require.NoError(t, l.Wait(context.Background(), 1024))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestWaitLargerThanBurst(t *testing.T) {
	t.Parallel()

	// A request above the burst is split instead of failing.
	l := New(512)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, 1024))
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()

	l := New(1)
	require.NoError(t, l.Wait(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx, 1))
}
