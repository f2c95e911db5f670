// Package store is the persistence gateway for the enrichment pipeline. It
// selects tracks missing a derived attribute, writes resolved values back
// idempotently, and keeps a history of finished tasks.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/track-enricher/internal/model"
)

// CommitOutcome reports whether a commit changed the record.
type CommitOutcome int

const (
	// CommitApplied means the value was written.
	CommitApplied CommitOutcome = iota
	// CommitSkipped means the record already held the value.
	CommitSkipped
)

func (o CommitOutcome) String() string {
	if o == CommitApplied {
		return "applied"
	}
	return "skipped"
}

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrInvalidValue is returned by Commit for values that must never be
	// written: empty vectors, out-of-range dates, incomplete links.
	ErrInvalidValue = eris.New("store: invalid value")
)

// Gateway defines the record-store operations used by the pipeline.
type Gateway interface {
	// ScanMissing returns up to limit tracks missing attr, highest popularity
	// first, skipping offset rows. Each call re-evaluates the predicate
	// against current state.
	ScanMissing(ctx context.Context, attr model.Attribute, limit, offset int) ([]model.TrackRef, error)

	// CountMissing returns how many tracks currently miss attr.
	CountMissing(ctx context.Context, attr model.Attribute) (int, error)

	// Commit writes a resolved value. Scalar values only fill NULL fields;
	// platform links are inserted with skip-if-present semantics.
	Commit(ctx context.Context, trackID int64, value model.Derived) (CommitOutcome, error)

	// Task history.
	SaveTask(ctx context.Context, task model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// missingPredicate returns the WHERE clause selecting tracks (aliased t) that
// still need attr. The same SQL is valid for Postgres and SQLite.
//
// Platform resolution requires exactly one known link (the one the resolver
// is queried with) and no earlier attempt.
func missingPredicate(attr model.Attribute) (string, error) {
	switch attr {
	case model.AttributeEmbedding:
		return "t.embedding IS NULL", nil
	case model.AttributeReleaseDate:
		return "t.release_date IS NULL", nil
	case model.AttributePlatformLinks:
		return "t.platforms_resolved_at IS NULL AND " +
			"(SELECT COUNT(*) FROM track_platforms x WHERE x.track_id = t.id) = 1", nil
	}
	return "", eris.Errorf("store: unknown attribute %q", attr)
}

const scanOrder = "ORDER BY t.popularity DESC, t.id ASC"

func validateCommit(value model.Derived) error {
	switch v := value.(type) {
	case model.EmbeddingValue:
		if len(v.Vector) == 0 {
			return eris.Wrap(ErrInvalidValue, "empty embedding")
		}
	case model.ReleaseDateValue:
		if v.Year <= 0 || v.Month < 1 || v.Month > 12 {
			return eris.Wrapf(ErrInvalidValue, "release date %s", v)
		}
	case model.PlatformLinksValue:
		for _, l := range v.Links {
			if l.Platform == "" || l.PlatformID == "" {
				return eris.Wrapf(ErrInvalidValue, "incomplete platform link %+v", l)
			}
		}
	case nil:
		return eris.Wrap(ErrInvalidValue, "nil value")
	default:
		return eris.Wrapf(ErrInvalidValue, "unsupported value %T", value)
	}
	return nil
}
