package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/resilience"
)

// SupervisorConfig controls how task loops are kept alive.
type SupervisorConfig struct {
	// Kinds to supervise. Empty means every kind the coordinator knows.
	Kinds []model.TaskKind

	// Continuous rescans after IdleInterval once a pass completes.
	Continuous bool

	// IdleInterval is the pause between completed passes, and between
	// attempts while an operator-started task holds the kind.
	IdleInterval time.Duration

	// MaxRestarts bounds consecutive failed runs per kind. Zero is unlimited.
	MaxRestarts int

	// Backoff shapes the delay before each restart.
	Backoff resilience.RetryConfig
}

// Supervisor runs one self-restarting task loop per kind.
type Supervisor struct {
	coord *Coordinator
	cfg   SupervisorConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(coord *Coordinator, cfg SupervisorConfig) *Supervisor {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = coord.Kinds()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Minute
	}
	return &Supervisor{coord: coord, cfg: cfg, sleep: resilience.Sleep}
}

// Run supervises every configured kind until ctx is done. Kinds are
// independent: one giving up does not stop the others. The first give-up
// error is returned once all loops have exited.
func (s *Supervisor) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, kind := range s.cfg.Kinds {
		g.Go(func() error {
			return s.supervise(ctx, kind)
		})
	}
	return g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, kind model.TaskKind) error {
	log := zap.L().With(zap.String("kind", string(kind)))
	restarts := 0

	for ctx.Err() == nil {
		id, err := s.coord.Start(ctx, kind, WithRestarts(restarts))
		if errors.Is(err, ErrAlreadyRunning) {
			log.Debug("supervisor: kind busy, waiting", zap.String("task_id", id))
			if s.sleep(ctx, s.cfg.IdleInterval) != nil {
				return nil
			}
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "supervisor: start %s", kind)
		}

		task, err := s.await(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "supervisor: wait %s", kind)
		}

		switch task.Status {
		case model.TaskCompleted:
			restarts = 0
			if !s.cfg.Continuous {
				return nil
			}
			if s.sleep(ctx, s.cfg.IdleInterval) != nil {
				return nil
			}

		case model.TaskStopped:
			log.Info("supervisor: task stopped, not restarting", zap.String("task_id", id))
			return nil

		default:
			restarts++
			if s.cfg.MaxRestarts > 0 && restarts > s.cfg.MaxRestarts {
				return eris.Errorf("supervisor: %s gave up after %d restarts: %s", kind, s.cfg.MaxRestarts, task.LastError)
			}
			delay := resilience.Backoff(restarts-1, s.cfg.Backoff)
			log.Warn("supervisor: task failed, restarting",
				zap.String("task_id", id),
				zap.Int("restarts", restarts),
				zap.Duration("backoff", delay),
				zap.String("last_error", task.LastError),
			)
			if s.sleep(ctx, delay) != nil {
				return nil
			}
		}
	}
	return nil
}

// await waits for the task. If ctx ends first the task is stopped and its
// in-flight batch allowed to finish.
func (s *Supervisor) await(ctx context.Context, id string) (model.Task, error) {
	t, err := s.coord.Wait(ctx, id)
	if ctx.Err() == nil {
		return t, err
	}
	if _, err := s.coord.Stop(context.Background(), id); err != nil {
		return model.Task{}, err
	}
	return s.coord.Wait(context.Background(), id)
}
