// Package pacer spaces enrichment batches and caps the number of external
// calls a task issues per rolling interval.
package pacer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config holds the pacing parameters for one task kind.
type Config struct {
	// BatchDelay is the minimum pause between batches.
	BatchDelay time.Duration

	// MaxPerInterval caps external calls in any rolling Interval. Zero or
	// negative disables the cap.
	MaxPerInterval int

	// Interval is the rolling window length for MaxPerInterval.
	Interval time.Duration

	// BatchSize is the largest number of calls the next batch may issue.
	BatchSize int
}

type entry struct {
	at    time.Time
	calls int
}

// Pacer blocks between batches. It is owned by a single task loop and is
// not safe for concurrent use.
type Pacer struct {
	cfg Config
	log []entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Pacer. BatchSize is clamped to MaxPerInterval so a single
// batch can never exceed the cap on its own.
func New(cfg Config) *Pacer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxPerInterval > 0 && cfg.BatchSize > cfg.MaxPerInterval {
		cfg.BatchSize = cfg.MaxPerInterval
	}
	if cfg.MaxPerInterval > 0 && cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Pacer{cfg: cfg, now: time.Now, sleep: sleepCtx}
}

// EffectiveBatchSize returns the batch size after clamping to the cap.
func (p *Pacer) EffectiveBatchSize() int {
	return p.cfg.BatchSize
}

// Wait records that the batch just finished issued used external calls, then
// blocks for BatchDelay or, when the next full batch would push the rolling
// window past MaxPerInterval, until enough calls have aged out. It returns
// early with ctx.Err() if ctx is done.
func (p *Pacer) Wait(ctx context.Context, used int) error {
	now := p.now()
	if used > 0 && p.cfg.MaxPerInterval > 0 {
		p.log = append(p.log, entry{at: now, calls: used})
	}

	delay := p.cfg.BatchDelay
	if capDelay := p.untilCapacity(now); capDelay > delay {
		zap.L().Info("pacer: interval cap reached, waiting for window",
			zap.Int("max_per_interval", p.cfg.MaxPerInterval),
			zap.Duration("wait", capDelay),
		)
		delay = capDelay
	}
	if delay <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, delay)
}

// InWindow returns the number of recorded calls inside the rolling window
// ending at the current time.
func (p *Pacer) InWindow() int {
	p.prune(p.now())
	total := 0
	for _, e := range p.log {
		total += e.calls
	}
	return total
}

// Remaining returns how many calls still fit in the rolling window ending
// now. capped is false when no cap is configured.
func (p *Pacer) Remaining() (n int, capped bool) {
	if p.cfg.MaxPerInterval <= 0 {
		return 0, false
	}
	return max(p.cfg.MaxPerInterval-p.InWindow(), 0), true
}

// untilCapacity returns how long to wait until a batch of BatchSize calls
// fits in the rolling window. Zero means it fits now.
func (p *Pacer) untilCapacity(now time.Time) time.Duration {
	if p.cfg.MaxPerInterval <= 0 {
		return 0
	}
	p.prune(now)

	used := 0
	for _, e := range p.log {
		used += e.calls
	}
	if used+p.cfg.BatchSize <= p.cfg.MaxPerInterval {
		return 0
	}

	// Walk the log from the oldest entry until dropping the aged calls frees
	// enough room; the wait ends when that entry leaves the window.
	excess := used + p.cfg.BatchSize - p.cfg.MaxPerInterval
	for _, e := range p.log {
		excess -= e.calls
		if excess <= 0 {
			return e.at.Add(p.cfg.Interval).Sub(now)
		}
	}
	return p.cfg.Interval
}

func (p *Pacer) prune(now time.Time) {
	cutoff := now.Add(-p.cfg.Interval)
	i := 0
	for i < len(p.log) && !p.log[i].at.After(cutoff) {
		i++
	}
	p.log = p.log[i:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
