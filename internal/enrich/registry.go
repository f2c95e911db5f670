package enrich

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/track-enricher/internal/model"
)

// Registry holds the in-memory state of every known task. Reads return
// copies; each task is written only by its own loop or by a stop request,
// both under the registry lock.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*entry
	active map[model.TaskKind]string
}

type entry struct {
	task       model.Task
	stop       context.CancelFunc
	done       chan struct{}
	finishedAt time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]*entry),
		active: make(map[model.TaskKind]string),
	}
}

// claim registers t as the active task for its kind. If another task of that
// kind is active, its id is returned and nothing is registered.
func (r *Registry) claim(t model.Task, stop context.CancelFunc) (*entry, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, busy := r.active[t.Kind]; busy {
		return nil, id, false
	}
	e := &entry{task: t, stop: stop, done: make(chan struct{})}
	r.tasks[t.ID] = e
	r.active[t.Kind] = t.ID
	return e, t.ID, true
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return e.task, true
}

// ActiveFor returns the id of the active task of kind, if any.
func (r *Registry) ActiveFor(kind model.TaskKind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.active[kind]
	return id, ok
}

// Active returns snapshots of all non-terminal tasks, oldest first.
func (r *Registry) Active() []model.Task {
	r.mu.RLock()
	out := make([]model.Task, 0, len(r.active))
	for _, id := range r.active {
		out = append(out, r.tasks[id].task)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// update applies fn to the task under the lock and returns the new snapshot.
// A status change made by fn must be a valid transition.
func (r *Registry) update(id string, now time.Time, fn func(t *model.Task) error) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return model.Task{}, eris.Wrapf(ErrTaskNotFound, "update %s", id)
	}

	next := e.task
	if err := fn(&next); err != nil {
		return e.task, err
	}
	if next.Status != e.task.Status && !e.task.Status.CanTransition(next.Status) {
		return e.task, eris.Errorf("enrich: invalid transition %s -> %s", e.task.Status, next.Status)
	}
	next.LastUpdate = now
	e.task = next

	if next.Status.Terminal() {
		e.finishedAt = now
		if r.active[next.Kind] == id {
			delete(r.active, next.Kind)
		}
	}
	return next, nil
}

// requestStop moves a running task to stopping and signals its loop. It
// reports false when the task was already stopping or finished.
func (r *Registry) requestStop(id string, now time.Time) (model.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return model.Task{}, false, ErrTaskNotFound
	}
	if !e.task.Status.CanTransition(model.TaskStopping) {
		return e.task, false, nil
	}
	e.task.Status = model.TaskStopping
	e.task.LastUpdate = now
	e.stop()
	return e.task, true, nil
}

// doneCh returns a channel closed when the task's loop has exited.
func (r *Registry) doneCh(id string) (<-chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return e.done, true
}

// Prune drops finished tasks that ended before cutoff and returns how many
// were removed.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.tasks {
		if e.task.Status.Terminal() && e.finishedAt.Before(cutoff) {
			select {
			case <-e.done:
				delete(r.tasks, id)
				n++
			default:
			}
		}
	}
	return n
}

// Len returns the number of tasks held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
