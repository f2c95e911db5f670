package enrich

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/store"
	"github.com/sells-group/track-enricher/pkg/anthropic"
	"github.com/sells-group/track-enricher/pkg/jina"
	"github.com/sells-group/track-enricher/pkg/songlink"
)

type scanCall struct {
	limit, offset int
}

// memGateway implements store.Gateway in memory.
type memGateway struct {
	mu     sync.Mutex
	tracks []model.TrackRef
	values map[model.Attribute]map[int64]model.Derived

	scanErrs  []error // consumed one per ScanMissing call
	countErr  error
	commitErr error

	scans []scanCall
	saved map[string]model.Task
}

func newMemGateway(tracks ...model.TrackRef) *memGateway {
	return &memGateway{
		tracks: tracks,
		values: make(map[model.Attribute]map[int64]model.Derived),
		saved:  make(map[string]model.Task),
	}
}

func (m *memGateway) ScanMissing(_ context.Context, attr model.Attribute, limit, offset int) ([]model.TrackRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, scanCall{limit: limit, offset: offset})
	if len(m.scanErrs) > 0 {
		err := m.scanErrs[0]
		m.scanErrs = m.scanErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	missing := m.missingLocked(attr)
	if offset >= len(missing) {
		return nil, nil
	}
	missing = missing[offset:]
	if len(missing) > limit {
		missing = missing[:limit]
	}
	return missing, nil
}

func (m *memGateway) missingLocked(attr model.Attribute) []model.TrackRef {
	var out []model.TrackRef
	for _, t := range m.tracks {
		if _, ok := m.values[attr][t.ID]; ok {
			continue
		}
		if attr == model.AttributePlatformLinks && t.Primary == nil {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Popularity != out[j].Popularity {
			return out[i].Popularity > out[j].Popularity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memGateway) CountMissing(_ context.Context, attr model.Attribute) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	return len(m.missingLocked(attr)), nil
}

func (m *memGateway) Commit(_ context.Context, trackID int64, value model.Derived) (store.CommitOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return store.CommitSkipped, m.commitErr
	}
	if value == nil {
		return store.CommitSkipped, eris.Wrap(store.ErrInvalidValue, "nil value")
	}
	attr := value.Attribute()
	if m.values[attr] == nil {
		m.values[attr] = make(map[int64]model.Derived)
	}
	if _, ok := m.values[attr][trackID]; ok {
		return store.CommitSkipped, nil
	}
	m.values[attr][trackID] = value
	return store.CommitApplied, nil
}

func (m *memGateway) SaveTask(_ context.Context, t model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[t.ID] = t
	return nil
}

func (m *memGateway) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.saved[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (m *memGateway) Ping(context.Context) error    { return nil }
func (m *memGateway) Migrate(context.Context) error { return nil }
func (m *memGateway) Close() error                  { return nil }

func (m *memGateway) value(attr model.Attribute, id int64) (model.Derived, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[attr][id]
	return v, ok
}

func (m *memGateway) savedTask(id string) (model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.saved[id]
	return t, ok
}

// fakeStrategy embeds every record unless fn overrides the result.
type fakeStrategy struct {
	kind model.TaskKind
	fn   func(ctx context.Context, batch []model.TrackRef) BatchResult

	mu      sync.Mutex
	batches [][]int64
}

func (f *fakeStrategy) Kind() model.TaskKind { return f.kind }

func (f *fakeStrategy) Attribute() model.Attribute { return f.kind.Attribute() }

func (f *fakeStrategy) Resolve(ctx context.Context, batch []model.TrackRef) BatchResult {
	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, batch)
	}
	return embedAll(batch)
}

func embedAll(batch []model.TrackRef) BatchResult {
	out := BatchResult{Calls: len(batch)}
	for _, r := range batch {
		out.Results = append(out.Results, Result{TrackID: r.ID, Value: model.EmbeddingValue{Vector: []float32{1}}})
	}
	return out
}

// gate blocks Resolve until released and reports when the first batch
// arrives.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) resolve(_ context.Context, batch []model.TrackRef) BatchResult {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return embedAll(batch)
}

func (f *fakeStrategy) seen() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]int64, len(f.batches))
	copy(out, f.batches)
	return out
}

// statusRecorder collects the distinct status sequence per task.
type statusRecorder struct {
	mu       sync.Mutex
	statuses map[string][]model.TaskStatus
	restarts []int
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{statuses: make(map[string][]model.TaskStatus)}
}

func (r *statusRecorder) observe(t model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.statuses[t.ID]
	if len(seq) == 0 {
		r.restarts = append(r.restarts, t.Restarts)
	}
	if len(seq) == 0 || seq[len(seq)-1] != t.Status {
		r.statuses[t.ID] = append(seq, t.Status)
	}
}

func (r *statusRecorder) sequence(id string) []model.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TaskStatus(nil), r.statuses[id]...)
}

func (r *statusRecorder) restartCounts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.restarts...)
}

// mockEmbedder implements jina.Embedder for testing.
type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) (*jina.EmbedResponse, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.EmbedResponse), args.Error(1)
}

// mockResolver implements songlink.Client for testing.
type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Links(ctx context.Context, platform, id string) (*songlink.LinksResponse, error) {
	args := m.Called(ctx, platform, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*songlink.LinksResponse), args.Error(1)
}

// mockAI implements anthropic.Client for testing.
type mockAI struct {
	mock.Mock
}

func (m *mockAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func tracks(n int) []model.TrackRef {
	out := make([]model.TrackRef, n)
	for i := range out {
		out[i] = model.TrackRef{
			ID:         int64(i + 1),
			Title:      "track",
			Artists:    []string{"artist"},
			Popularity: n - i,
		}
	}
	return out
}
