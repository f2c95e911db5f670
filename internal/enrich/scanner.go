package enrich

import (
	"context"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/store"
)

// Scanner yields batches of tracks missing an attribute. Every call
// re-queries the store. The only state kept is how many records failed in
// this pass: those stay missing and sort first, so they are skipped by
// offset until the next pass starts a new Scanner.
type Scanner struct {
	gw     store.Gateway
	attr   model.Attribute
	offset int
}

// NewScanner creates a Scanner for attr.
func NewScanner(gw store.Gateway, attr model.Attribute) *Scanner {
	return &Scanner{gw: gw, attr: attr}
}

// Next returns up to limit tracks. An empty result means the pass is done.
func (s *Scanner) Next(ctx context.Context, limit int) ([]model.TrackRef, error) {
	return s.gw.ScanMissing(ctx, s.attr, limit, s.offset)
}

// Skip moves past n records that failed and will still match the predicate.
func (s *Scanner) Skip(n int) {
	if n > 0 {
		s.offset += n
	}
}

// Offset returns the current skip count.
func (s *Scanner) Offset() int {
	return s.offset
}
