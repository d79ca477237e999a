package render_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := render.Backoff{Step: time.Second, Max: 3 * time.Second}
	require.Zero(t, b.Delay(0))
	require.Equal(t, time.Second, b.Delay(1))
	require.Equal(t, 2*time.Second, b.Delay(2))
	require.Equal(t, 3*time.Second, b.Delay(5))

	jittered := render.Backoff{Step: time.Second, Jitter: 100 * time.Millisecond}
	for range 20 {
		d := jittered.Delay(1)
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, time.Second+100*time.Millisecond)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, render.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, render.Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, render.Sleep(ctx, 0), context.Canceled)
}

func TestScrollSteps(t *testing.T) {
	t.Parallel()

	require.Equal(t, 3, render.ScrollSteps(2000, 1000, 3))
	require.Equal(t, 6, render.ScrollSteps(5000, 1000, 3))
	require.Equal(t, 3, render.ScrollSteps(0, 0, 3))
}
