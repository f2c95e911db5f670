// Package enrich runs the background loops that fill in derived track
// attributes: it scans the store for records missing an attribute, resolves
// them through a rate-limited external service, and commits the results.
package enrich

import (
	"context"

	"github.com/sells-group/track-enricher/internal/model"
)

// Strategy resolves one derived attribute for a batch of tracks.
type Strategy interface {
	Kind() model.TaskKind
	Attribute() model.Attribute

	// Resolve is called with a non-empty batch in priority order. It must
	// not fail as a whole: per-record problems go into Result.Err.
	Resolve(ctx context.Context, batch []model.TrackRef) BatchResult
}

// Result is the outcome for a single track.
type Result struct {
	TrackID int64
	Value   model.Derived
	Err     error
}

// BatchResult collects per-record results and the number of external calls
// spent producing them.
type BatchResult struct {
	Results []Result
	Calls   int
}

func failAll(batch []model.TrackRef, err error) []Result {
	out := make([]Result, len(batch))
	for i, ref := range batch {
		out[i] = Result{TrackID: ref.ID, Err: err}
	}
	return out
}
