package resilience

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrAttemptBudget is returned when a request would exceed the attempt
// budget carried by its context. It is not transient.
var ErrAttemptBudget = eris.New("attempt budget exhausted")

// AttemptBudget counts outbound request attempts, retries included, against
// an optional limit.
type AttemptBudget struct {
	mu    sync.Mutex
	limit int
	used  int
}

type attemptBudgetKey struct{}

// WithAttemptBudget returns a context carrying a new budget. A negative
// limit only counts.
func WithAttemptBudget(ctx context.Context, limit int) (context.Context, *AttemptBudget) {
	b := &AttemptBudget{limit: limit}
	return context.WithValue(ctx, attemptBudgetKey{}, b), b
}

// TakeAttempt reserves one attempt from the budget in ctx, if any. Clients
// call it before every request they send.
func TakeAttempt(ctx context.Context) error {
	b, ok := ctx.Value(attemptBudgetKey{}).(*AttemptBudget)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit >= 0 && b.used >= b.limit {
		return ErrAttemptBudget
	}
	b.used++
	return nil
}

// AttemptsExhausted reports whether the budget in ctx has no attempts left.
func AttemptsExhausted(ctx context.Context) bool {
	b, ok := ctx.Value(attemptBudgetKey{}).(*AttemptBudget)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit >= 0 && b.used >= b.limit
}

// Used returns the number of attempts reserved so far.
func (b *AttemptBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
