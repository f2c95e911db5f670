package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/pacer"
	"github.com/sells-group/track-enricher/internal/resilience"
	"github.com/sells-group/track-enricher/pkg/jina"
)

// throttlingJina answers 503 twice, then succeeds, repeating.
func throttlingJina(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1)%3 != 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"m","data":[{"index":0,"embedding":[0.1,0.2]}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCoordinator_RetriesCountAgainstCap(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := throttlingJina(t, &hits)
	client := jina.NewClient("k",
		jina.WithBaseURL(srv.URL),
		jina.WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)

	const maxPer = 2
	gw := newMemGateway(tracks(6)...)
	c := newTestCoordinator(gw, NewEmbeddingStrategy(client, 0),
		pacer.Config{BatchSize: 1, MaxPerInterval: maxPer, Interval: time.Hour})

	id, err := c.Start(context.Background(), model.KindEmbedding)
	require.NoError(t, err)

	// The first batch spends the whole window on two 503s; the third
	// attempt is never sent and the task waits for the window.
	require.Eventually(t, func() bool {
		task, err := c.Status(context.Background(), id)
		return err == nil && task.Processed == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, hits.Load(), int64(maxPer))

	_, err = c.Stop(context.Background(), id)
	require.NoError(t, err)
	task := waitTask(t, c, id)

	assert.Equal(t, model.TaskStopped, task.Status)
	assert.Equal(t, 1, task.Failed, "deferred record stays missing")
	assert.Equal(t, int64(maxPer), hits.Load())
	_, ok := gw.value(model.AttributeEmbedding, 1)
	assert.False(t, ok, "deferred record not committed")
}

func TestCoordinator_BudgetCountsRealAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := throttlingJina(t, &hits)
	client := jina.NewClient("k",
		jina.WithBaseURL(srv.URL),
		jina.WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)

	p := pacer.New(pacer.Config{BatchSize: 1, MaxPerInterval: 10, Interval: time.Hour})
	gw := newMemGateway(tracks(1)...)
	c := NewCoordinator(gw, NewRegistry(), []Pipeline{{Strategy: NewEmbeddingStrategy(client, 0), Pacer: p}})

	id, err := c.Start(context.Background(), model.KindEmbedding)
	require.NoError(t, err)
	task := waitTask(t, c, id)

	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, int64(3), hits.Load())
	n, capped := p.Remaining()
	assert.True(t, capped)
	assert.Equal(t, 7, n, "all three attempts are charged to the window")
	_, ok := gw.value(model.AttributeEmbedding, 1)
	assert.True(t, ok)
}

func TestPlatformStrategy_DefersWhenBudgetSpent(t *testing.T) {
	t.Parallel()

	m := &mockResolver{}
	s := NewPlatformStrategy(m)
	ctx, _ := resilience.WithAttemptBudget(context.Background(), 0)

	ref := model.TrackRef{ID: 7, Primary: &model.PlatformLink{Platform: model.PlatformSpotify, PlatformID: "abc"}}
	res := s.Resolve(ctx, []model.TrackRef{ref})

	require.Len(t, res.Results, 1)
	assert.ErrorIs(t, res.Results[0].Err, resilience.ErrAttemptBudget)
	assert.Zero(t, res.Calls)
	m.AssertNotCalled(t, "Links")
}

func TestReleaseDateStrategy_DefersWhenBudgetSpent(t *testing.T) {
	t.Parallel()

	m := &mockAI{}
	s := NewReleaseDateStrategy(m, "model", 0)
	ctx, _ := resilience.WithAttemptBudget(context.Background(), 0)

	res := s.Resolve(ctx, []model.TrackRef{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}})

	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.ErrorIs(t, r.Err, resilience.ErrAttemptBudget)
		assert.Nil(t, r.Value)
	}
	m.AssertNotCalled(t, "CreateMessage")
}
