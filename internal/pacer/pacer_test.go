package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the pacer sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func newTestPacer(cfg Config) (*Pacer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(cfg)
	p.now = clock.Now
	p.sleep = clock.Sleep
	return p, clock
}

func TestWait_BatchDelayWhenUnderCap(t *testing.T) {
	p, clock := newTestPacer(Config{BatchDelay: 2 * time.Second, MaxPerInterval: 100, Interval: time.Hour, BatchSize: 10})

	require.NoError(t, p.Wait(context.Background(), 10))
	require.NoError(t, p.Wait(context.Background(), 10))

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.sleeps)
	assert.Equal(t, 20, p.InWindow())
}

func TestWait_WaitsForWindowAtCap(t *testing.T) {
	p, clock := newTestPacer(Config{BatchDelay: time.Second, MaxPerInterval: 20, Interval: time.Minute, BatchSize: 10})
	start := clock.now

	require.NoError(t, p.Wait(context.Background(), 10)) // 10 used, room for one more batch
	require.NoError(t, p.Wait(context.Background(), 10)) // 20 used, must wait for the first entry to age out

	require.Len(t, clock.sleeps, 2)
	assert.Equal(t, time.Second, clock.sleeps[0])
	// First entry was recorded at start; it leaves the window at start+1m.
	assert.Equal(t, start.Add(time.Minute), clock.now)
}

func TestWait_NoCap(t *testing.T) {
	p, clock := newTestPacer(Config{BatchDelay: 500 * time.Millisecond, BatchSize: 50})
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(context.Background(), 50))
	}
	for _, d := range clock.sleeps {
		assert.Equal(t, 500*time.Millisecond, d)
	}
	assert.Equal(t, 0, p.InWindow())
}

func TestWait_ZeroDelayDoesNotSleep(t *testing.T) {
	p, clock := newTestPacer(Config{BatchSize: 5, MaxPerInterval: 100, Interval: time.Hour})
	require.NoError(t, p.Wait(context.Background(), 5))
	assert.Empty(t, clock.sleeps)
}

func TestWait_ContextCancelled(t *testing.T) {
	p := New(Config{BatchDelay: time.Hour, BatchSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_ClampsBatchSizeToCap(t *testing.T) {
	p := New(Config{MaxPerInterval: 8, Interval: time.Hour, BatchSize: 20})
	assert.Equal(t, 8, p.EffectiveBatchSize())

	p = New(Config{BatchSize: 0})
	assert.Equal(t, 1, p.EffectiveBatchSize())
}

// TestRollingWindowCompliance drives many batches and checks that no rolling
// interval ever contains more than MaxPerInterval calls.
func TestRollingWindowCompliance(t *testing.T) {
	cfg := Config{BatchDelay: 3 * time.Second, MaxPerInterval: 25, Interval: time.Minute, BatchSize: 10}
	p, clock := newTestPacer(cfg)

	var calls []time.Time
	for batch := 0; batch < 40; batch++ {
		n := p.EffectiveBatchSize()
		if batch%3 == 2 {
			n = 4 // partial batch
		}
		for i := 0; i < n; i++ {
			calls = append(calls, clock.now)
		}
		require.NoError(t, p.Wait(context.Background(), n))
	}

	for i, end := range calls {
		inWindow := 0
		for _, c := range calls[:i+1] {
			if end.Sub(c) < cfg.Interval {
				inWindow++
			}
		}
		require.LessOrEqualf(t, inWindow, cfg.MaxPerInterval, "window ending at call %d holds %d calls", i, inWindow)
	}
}

func TestRemaining(t *testing.T) {
	p, clock := newTestPacer(Config{BatchSize: 2, MaxPerInterval: 5, Interval: time.Minute})

	n, capped := p.Remaining()
	assert.True(t, capped)
	assert.Equal(t, 5, n)

	require.NoError(t, p.Wait(context.Background(), 3))
	n, _ = p.Remaining()
	assert.Equal(t, 2, n)

	clock.now = clock.now.Add(2 * time.Minute)
	n, _ = p.Remaining()
	assert.Equal(t, 5, n, "calls age out of the window")
}

func TestRemaining_Uncapped(t *testing.T) {
	p, _ := newTestPacer(Config{BatchSize: 2})
	_, capped := p.Remaining()
	assert.False(t, capped)
}
