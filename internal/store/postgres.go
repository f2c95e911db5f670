package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/track-enricher/internal/db"
	"github.com/sells-group/track-enricher/internal/model"
)

// PostgresStore implements Gateway using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tracks (
	id                      BIGSERIAL PRIMARY KEY,
	title                   TEXT NOT NULL,
	artists                 TEXT[] NOT NULL DEFAULT '{}',
	album                   TEXT NOT NULL DEFAULT '',
	genres                  TEXT[] NOT NULL DEFAULT '{}',
	popularity              INTEGER NOT NULL DEFAULT 0,
	embedding               REAL[],
	release_date            DATE,
	release_date_confidence REAL,
	release_date_source     TEXT,
	platforms_resolved_at   TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS track_platforms (
	track_id     BIGINT NOT NULL REFERENCES tracks(id),
	platform     TEXT NOT NULL,
	platform_id  TEXT NOT NULL,
	platform_url TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (track_id, platform)
);

CREATE INDEX IF NOT EXISTS idx_tracks_missing_embedding ON tracks(popularity DESC, id) WHERE embedding IS NULL;
CREATE INDEX IF NOT EXISTS idx_tracks_missing_release ON tracks(popularity DESC, id) WHERE release_date IS NULL;
CREATE INDEX IF NOT EXISTS idx_tracks_unresolved_platforms ON tracks(popularity DESC, id) WHERE platforms_resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS enrichment_tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	processed   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	restarts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	start_time  TIMESTAMPTZ NOT NULL,
	last_update TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrichment_tasks_kind ON enrichment_tasks(kind, start_time DESC);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ScanMissing implements Gateway.
func (s *PostgresStore) ScanMissing(ctx context.Context, attr model.Attribute, limit, offset int) ([]model.TrackRef, error) {
	where, err := missingPredicate(attr)
	if err != nil {
		return nil, err
	}
	withPrimary := attr == model.AttributePlatformLinks

	cols := "t.id, t.title, t.artists, t.album, t.genres, t.popularity"
	from := "tracks t"
	if withPrimary {
		cols += ", p.platform, p.platform_id, p.platform_url"
		from += " JOIN track_platforms p ON p.track_id = t.id"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s %s LIMIT $1 OFFSET $2", cols, from, where, scanOrder)

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan missing %s", attr)
	}
	defer rows.Close()

	var refs []model.TrackRef
	for rows.Next() {
		var ref model.TrackRef
		dest := []any{&ref.ID, &ref.Title, &ref.Artists, &ref.Album, &ref.Genres, &ref.Popularity}
		var platform, platformID, platformURL string
		if withPrimary {
			dest = append(dest, &platform, &platformID, &platformURL)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan missing %s row", attr)
		}
		if withPrimary {
			ref.Primary = &model.PlatformLink{
				TrackID:     ref.ID,
				Platform:    model.Platform(platform),
				PlatformID:  platformID,
				PlatformURL: platformURL,
			}
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "postgres: iterate missing %s", attr)
	}
	return refs, nil
}

// CountMissing implements Gateway.
func (s *PostgresStore) CountMissing(ctx context.Context, attr model.Attribute) (int, error) {
	where, err := missingPredicate(attr)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tracks t WHERE "+where).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count missing %s", attr)
	}
	return n, nil
}

// Commit implements Gateway.
func (s *PostgresStore) Commit(ctx context.Context, trackID int64, value model.Derived) (CommitOutcome, error) {
	if err := validateCommit(value); err != nil {
		return CommitSkipped, err
	}

	switch v := value.(type) {
	case model.EmbeddingValue:
		tag, err := s.pool.Exec(ctx,
			`UPDATE tracks SET embedding = $2 WHERE id = $1 AND embedding IS NULL`,
			trackID, v.Vector,
		)
		if err != nil {
			return CommitSkipped, eris.Wrapf(err, "postgres: commit embedding %d", trackID)
		}
		return outcome(tag.RowsAffected()), nil

	case model.ReleaseDateValue:
		tag, err := s.pool.Exec(ctx,
			`UPDATE tracks SET release_date = $2, release_date_confidence = $3, release_date_source = $4
			WHERE id = $1 AND release_date IS NULL`,
			trackID, v.Date(), v.Confidence, string(v.Source),
		)
		if err != nil {
			return CommitSkipped, eris.Wrapf(err, "postgres: commit release date %d", trackID)
		}
		return outcome(tag.RowsAffected()), nil

	case model.PlatformLinksValue:
		return s.commitLinks(ctx, trackID, v.Links)
	}
	return CommitSkipped, eris.Errorf("postgres: unsupported value %T", value)
}

// commitLinks inserts each link unless the platform is already present,
// then marks the resolution attempt, all in one transaction.
func (s *PostgresStore) commitLinks(ctx context.Context, trackID int64, links []model.PlatformLink) (CommitOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CommitSkipped, eris.Wrap(err, "postgres: begin commit links")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted int64
	for _, l := range links {
		tag, err := tx.Exec(ctx,
			`INSERT INTO track_platforms (track_id, platform, platform_id, platform_url)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (track_id, platform) DO NOTHING`,
			trackID, string(l.Platform), l.PlatformID, l.PlatformURL,
		)
		if err != nil {
			return CommitSkipped, eris.Wrapf(err, "postgres: insert link %d/%s", trackID, l.Platform)
		}
		inserted += tag.RowsAffected()
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tracks SET platforms_resolved_at = now() WHERE id = $1`, trackID,
	); err != nil {
		return CommitSkipped, eris.Wrapf(err, "postgres: mark platforms resolved %d", trackID)
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitSkipped, eris.Wrap(err, "postgres: commit links")
	}
	return outcome(inserted), nil
}

// SaveTask upserts a task snapshot into the history table.
func (s *PostgresStore) SaveTask(ctx context.Context, task model.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_tasks (id, kind, status, processed, failed, total, restarts, last_error, start_time, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			failed = EXCLUDED.failed,
			total = EXCLUDED.total,
			restarts = EXCLUDED.restarts,
			last_error = EXCLUDED.last_error,
			last_update = EXCLUDED.last_update`,
		task.ID, string(task.Kind), string(task.Status), task.Processed, task.Failed, task.Total,
		task.Restarts, task.LastError, task.StartTime, task.LastUpdate,
	)
	return eris.Wrapf(err, "postgres: save task %s", task.ID)
}

// GetTask loads a task from the history table.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	var kind, status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, status, processed, failed, total, restarts, last_error, start_time, last_update
		FROM enrichment_tasks WHERE id = $1`, id,
	).Scan(&t.ID, &kind, &status, &t.Processed, &t.Failed, &t.Total, &t.Restarts, &t.LastError, &t.StartTime, &t.LastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	return &t, nil
}

func outcome(rowsAffected int64) CommitOutcome {
	if rowsAffected > 0 {
		return CommitApplied
	}
	return CommitSkipped
}
