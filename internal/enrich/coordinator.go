package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/pacer"
	"github.com/sells-group/track-enricher/internal/resilience"
	"github.com/sells-group/track-enricher/internal/store"
)

var (
	// ErrAlreadyRunning is returned by Start when the kind has an active task.
	ErrAlreadyRunning = eris.New("enrich: task already running")
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = eris.New("enrich: task not found")
	// ErrUnknownKind is returned for kinds with no registered pipeline.
	ErrUnknownKind = eris.New("enrich: unknown kind")
)

const persistTimeout = 5 * time.Second

// Pipeline pairs a strategy with the pacer that spaces its batches. The
// pacer outlives individual tasks so restarts keep the rolling window.
type Pipeline struct {
	Strategy Strategy
	Pacer    *pacer.Pacer
}

// Coordinator starts, tracks, and stops enrichment tasks.
type Coordinator struct {
	gw        store.Gateway
	registry  *Registry
	pipelines map[model.TaskKind]Pipeline
	observers []func(model.Task)
	retention time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver registers fn to receive a snapshot after every task change.
// fn may be called from several goroutines.
func WithObserver(fn func(model.Task)) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, fn)
	}
}

// WithRetention sets how long finished tasks stay in the registry.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		c.retention = d
	}
}

// NewCoordinator creates a Coordinator over the given pipelines.
func NewCoordinator(gw store.Gateway, registry *Registry, pipelines []Pipeline, opts ...Option) *Coordinator {
	c := &Coordinator{
		gw:        gw,
		registry:  registry,
		pipelines: make(map[model.TaskKind]Pipeline, len(pipelines)),
		retention: time.Hour,
		now:       time.Now,
	}
	for _, p := range pipelines {
		c.pipelines[p.Strategy.Kind()] = p
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kinds returns the registered kinds in canonical order.
func (c *Coordinator) Kinds() []model.TaskKind {
	var out []model.TaskKind
	for _, k := range model.AllKinds() {
		if _, ok := c.pipelines[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// StartOption adjusts a task before it is registered.
type StartOption func(*model.Task)

// WithRestarts records the supervisor's restart count on the task.
func WithRestarts(n int) StartOption {
	return func(t *model.Task) {
		t.Restarts = n
	}
}

// Start launches a task for kind and returns its id. The task runs until the
// scan is exhausted, it fails, or it is stopped; ctx only bounds the call
// itself. If kind already has an active task, its id is returned with
// ErrAlreadyRunning.
func (c *Coordinator) Start(ctx context.Context, kind model.TaskKind, opts ...StartOption) (string, error) {
	p, ok := c.pipelines[kind]
	if !ok {
		return "", eris.Wrapf(ErrUnknownKind, "start %q", kind)
	}

	now := c.now()
	c.registry.Prune(now.Add(-c.retention))

	task := model.Task{
		ID:         newTaskID(),
		Kind:       kind,
		Status:     model.TaskStarting,
		StartTime:  now,
		LastUpdate: now,
	}
	for _, opt := range opts {
		opt(&task)
	}

	stopCtx, stop := context.WithCancel(context.Background())
	e, id, ok := c.registry.claim(task, stop)
	if !ok {
		stop()
		return id, eris.Wrapf(ErrAlreadyRunning, "kind %s task %s", kind, id)
	}
	c.notify(task)

	zap.L().Info("enrich: task started",
		zap.String("task_id", task.ID),
		zap.String("kind", string(kind)),
		zap.Int("restarts", task.Restarts),
	)

	c.wg.Add(1)
	go c.run(context.WithoutCancel(ctx), stopCtx, task.ID, p, e.done)
	return task.ID, nil
}

// Status returns a task snapshot, falling back to the history table for
// tasks no longer held in memory.
func (c *Coordinator) Status(ctx context.Context, id string) (model.Task, error) {
	if t, ok := c.registry.Get(id); ok {
		return t, nil
	}
	t, err := c.gw.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Task{}, eris.Wrapf(ErrTaskNotFound, "task %s", id)
	}
	if err != nil {
		return model.Task{}, eris.Wrapf(err, "enrich: status %s", id)
	}
	return *t, nil
}

// Stop asks a task to stop at its next batch boundary and returns its
// snapshot. Stopping a finished task is a no-op.
func (c *Coordinator) Stop(ctx context.Context, id string) (model.Task, error) {
	t, changed, err := c.registry.requestStop(id, c.now())
	if errors.Is(err, ErrTaskNotFound) {
		return c.Status(ctx, id)
	}
	if err != nil {
		return model.Task{}, err
	}
	if changed {
		zap.L().Info("enrich: stop requested", zap.String("task_id", id), zap.String("kind", string(t.Kind)))
		c.notify(t)
	}
	return t, nil
}

// ListActive returns all tasks that have not reached a terminal status.
func (c *Coordinator) ListActive() []model.Task {
	return c.registry.Active()
}

// Wait blocks until the task is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (model.Task, error) {
	done, ok := c.registry.doneCh(id)
	if !ok {
		return c.Status(ctx, id)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return model.Task{}, ctx.Err()
	}
	return c.Status(ctx, id)
}

// Shutdown stops every active task and waits for their loops to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, t := range c.registry.Active() {
		if _, err := c.Stop(ctx, t.ID); err != nil {
			zap.L().Warn("enrich: stop on shutdown", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "enrich: shutdown")
	}
}

func (c *Coordinator) run(ctx, stopCtx context.Context, id string, p Pipeline, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	log := zap.L().With(zap.String("task_id", id), zap.String("kind", string(p.Strategy.Kind())))

	var (
		status model.TaskStatus
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				status, err = model.TaskFailed, eris.Errorf("enrich: panic: %v", r)
			}
		}()
		status, err = c.loop(ctx, stopCtx, id, p, log)
	}()

	task := c.finish(id, status, err)
	c.persist(task)

	fields := []zap.Field{
		zap.String("status", string(task.Status)),
		zap.Int("processed", task.Processed),
		zap.Int("failed", task.Failed),
		zap.Int("total", task.Total),
	}
	if err != nil {
		log.Error("enrich: task failed", append(fields, zap.Error(err))...)
		return
	}
	log.Info("enrich: task finished", fields...)
}

// loop drives one task. Stop requests only affect the boundary checks and
// the pacer wait; an in-flight batch always runs to completion on ctx.
func (c *Coordinator) loop(ctx, stopCtx context.Context, id string, p Pipeline, log *zap.Logger) (model.TaskStatus, error) {
	attr := p.Strategy.Attribute()

	if err := c.advance(id, model.TaskCounting, nil); err != nil {
		return stoppedOr(stopCtx, err)
	}

	total, err := c.gw.CountMissing(ctx, attr)
	if err != nil {
		log.Warn("enrich: count missing failed, total unknown", zap.Error(err))
		total = 0
	}

	if err := c.advance(id, model.TaskProcessing, func(t *model.Task) { t.Total = total }); err != nil {
		return stoppedOr(stopCtx, err)
	}

	scanner := NewScanner(c.gw, attr)
	size := p.Pacer.EffectiveBatchSize()
	for {
		if stopCtx.Err() != nil {
			return model.TaskStopped, nil
		}

		batch, err := scanner.Next(ctx, size)
		if err != nil {
			return model.TaskFailed, eris.Wrap(err, "enrich: scan")
		}
		if len(batch) == 0 {
			return model.TaskCompleted, nil
		}

		res := c.resolve(ctx, p, batch)
		failed, err := c.commitBatch(ctx, batch, res, log)
		if err != nil {
			return model.TaskFailed, err
		}
		scanner.Skip(failed)

		t, err := c.registry.update(id, c.now(), func(t *model.Task) error {
			t.Processed += len(batch)
			t.Failed += failed
			if t.Total < t.Processed {
				t.Total = t.Processed
			}
			return nil
		})
		if err != nil {
			return model.TaskFailed, err
		}
		c.notify(t)
		log.Debug("enrich: batch done",
			zap.Int("size", len(batch)),
			zap.Int("failed", failed),
			zap.Int("calls", res.Calls),
			zap.Int("processed", t.Processed),
		)

		if err := p.Pacer.Wait(stopCtx, res.Calls); err != nil {
			return stoppedOr(stopCtx, eris.Wrap(err, "enrich: pacer wait"))
		}
	}
}

// resolve runs the strategy with an attempt budget equal to the room left in
// the pacer window, so client retries cannot push a batch past the cap.
// Calls is raised to the attempts the clients actually reserved.
func (c *Coordinator) resolve(ctx context.Context, p Pipeline, batch []model.TrackRef) BatchResult {
	limit := -1
	if n, capped := p.Pacer.Remaining(); capped {
		limit = n
	}
	rctx, budget := resilience.WithAttemptBudget(ctx, limit)
	res := p.Strategy.Resolve(rctx, batch)
	res.Calls = max(res.Calls, budget.Used())
	return res
}

// commitBatch writes every successful result and returns how many batch
// records were not committed. Only store failures are returned as errors.
func (c *Coordinator) commitBatch(ctx context.Context, batch []model.TrackRef, res BatchResult, log *zap.Logger) (int, error) {
	pending := make(map[int64]struct{}, len(batch))
	for _, ref := range batch {
		pending[ref.ID] = struct{}{}
	}

	committed := 0
	for _, r := range res.Results {
		if _, ok := pending[r.TrackID]; !ok {
			log.Warn("enrich: unexpected result", zap.Int64("track_id", r.TrackID))
			continue
		}
		if r.Err != nil {
			log.Warn("enrich: record failed", zap.Int64("track_id", r.TrackID), zap.Error(r.Err))
			continue
		}

		outcome, err := c.gw.Commit(ctx, r.TrackID, r.Value)
		if errors.Is(err, store.ErrInvalidValue) {
			log.Warn("enrich: rejected value", zap.Int64("track_id", r.TrackID), zap.Error(err))
			continue
		}
		if err != nil {
			return len(batch) - committed, eris.Wrapf(err, "enrich: commit track %d", r.TrackID)
		}
		delete(pending, r.TrackID)
		committed++
		log.Debug("enrich: committed", zap.Int64("track_id", r.TrackID), zap.Stringer("outcome", outcome))
	}
	return len(batch) - committed, nil
}

// advance moves the task to next, applying mutate in the same update.
func (c *Coordinator) advance(id string, next model.TaskStatus, mutate func(t *model.Task)) error {
	t, err := c.registry.update(id, c.now(), func(t *model.Task) error {
		t.Status = next
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.notify(t)
	return nil
}

// finish records the terminal status. A task asked to stop while its last
// batch completed the scan still ends as stopped.
func (c *Coordinator) finish(id string, status model.TaskStatus, cause error) model.Task {
	t, err := c.registry.update(id, c.now(), func(t *model.Task) error {
		if t.Status == model.TaskStopping && status == model.TaskCompleted {
			status = model.TaskStopped
		}
		if status == model.TaskStopped && t.Status != model.TaskStopping {
			status = model.TaskFailed
			if cause == nil {
				cause = eris.Errorf("enrich: stopped from %s", t.Status)
			}
		}
		t.Status = status
		if cause != nil {
			t.LastError = cause.Error()
		}
		return nil
	})
	if err != nil {
		zap.L().Error("enrich: record final status", zap.String("task_id", id), zap.Error(err))
	}
	c.notify(t)
	return t
}

func (c *Coordinator) persist(t model.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.gw.SaveTask(ctx, t); err != nil {
		zap.L().Warn("enrich: save task history", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (c *Coordinator) notify(t model.Task) {
	for _, fn := range c.observers {
		fn(t)
	}
}

func stoppedOr(stopCtx context.Context, err error) (model.TaskStatus, error) {
	if stopCtx.Err() != nil {
		return model.TaskStopped, nil
	}
	return model.TaskFailed, err
}

// newTaskID returns a time-ordered UUIDv7.
func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
