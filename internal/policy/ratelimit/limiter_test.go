package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

type countingAttempter struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingAttempter) Attempt(_ context.Context, url string, _ render.Strategy, _ int, _ time.Duration) (render.Capture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, url)
	return render.Capture{HTML: "<html></html>", StatusCode: 200}, nil
}

func TestLimiterWaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 10, PerHostBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/a"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 0.01, PerHostBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestWrapWithoutRateIsPassThrough(t *testing.T) {
	t.Parallel()

	next := &countingAttempter{}
	assert.Same(t, render.Attempter(next), New(Config{}).Wrap(next))
}

func TestWrapPacesAttempts(t *testing.T) {
	t.Parallel()

	next := &countingAttempter{}
	paced := New(Config{PerHostRPS: 1000, PerHostBurst: 2}).Wrap(next)
	for range 3 {
		_, err := paced.Attempt(context.Background(), "https://example.com", render.Strategy{}, 0, time.Second)
		require.NoError(t, err)
	}
	assert.Len(t, next.calls, 3)
}

func TestWrapReportsLimiterFailureAsTimeout(t *testing.T) {
	t.Parallel()

	next := &countingAttempter{}
	paced := New(Config{PerHostRPS: 0.01, PerHostBurst: 1}).Wrap(next)
	_, err := paced.Attempt(context.Background(), "https://example.com", render.Strategy{}, 0, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = paced.Attempt(ctx, "https://example.com", render.Strategy{}, 1, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, render.ErrNavigationTimeout))
	assert.Len(t, next.calls, 1)
}
