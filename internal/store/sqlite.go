package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/track-enricher/internal/model"
)

// SQLiteStore implements Gateway using modernc.org/sqlite. List and vector
// columns are stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tracks (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	title                   TEXT NOT NULL,
	artists                 TEXT NOT NULL DEFAULT '[]',
	album                   TEXT NOT NULL DEFAULT '',
	genres                  TEXT NOT NULL DEFAULT '[]',
	popularity              INTEGER NOT NULL DEFAULT 0,
	embedding               TEXT,
	release_date            TEXT,
	release_date_confidence REAL,
	release_date_source     TEXT,
	platforms_resolved_at   TEXT,
	created_at              TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS track_platforms (
	track_id     INTEGER NOT NULL REFERENCES tracks(id),
	platform     TEXT NOT NULL,
	platform_id  TEXT NOT NULL,
	platform_url TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (track_id, platform)
);

CREATE INDEX IF NOT EXISTS idx_tracks_popularity ON tracks(popularity DESC, id);

CREATE TABLE IF NOT EXISTS enrichment_tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	processed   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	restarts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	start_time  TEXT NOT NULL,
	last_update TEXT NOT NULL
);
`

// Migrate applies the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertTrack adds a track and its known platform links. Ingestion normally
// happens outside the pipeline; this is used for seeding and tests.
func (s *SQLiteStore) InsertTrack(ctx context.Context, t model.Track) (int64, error) {
	artists, err := json.Marshal(nonNil(t.Artists))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal artists")
	}
	genres, err := json.Marshal(nonNil(t.Genres))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal genres")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert track")
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if t.ID > 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO tracks (id, title, artists, album, genres, popularity) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, string(artists), t.Album, string(genres), t.Popularity,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO tracks (title, artists, album, genres, popularity) VALUES (?, ?, ?, ?, ?)`,
			t.Title, string(artists), t.Album, string(genres), t.Popularity,
		)
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert track")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: last insert id")
	}

	for _, l := range t.PlatformLinks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO track_platforms (track_id, platform, platform_id, platform_url) VALUES (?, ?, ?, ?)`,
			id, string(l.Platform), l.PlatformID, l.PlatformURL,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert link %s", l.Platform)
		}
	}
	return id, eris.Wrap(tx.Commit(), "sqlite: commit insert track")
}

// GetTrack loads a track with its derived fields.
func (s *SQLiteStore) GetTrack(ctx context.Context, id int64) (*model.Track, error) {
	var (
		t                      model.Track
		artists, genres        string
		embedding, releaseDate sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, artists, album, genres, popularity, embedding, release_date FROM tracks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &artists, &t.Album, &genres, &t.Popularity, &embedding, &releaseDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get track %d", id)
	}
	if err := json.Unmarshal([]byte(artists), &t.Artists); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal artists")
	}
	if err := json.Unmarshal([]byte(genres), &t.Genres); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal genres")
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &t.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
	}
	if releaseDate.Valid {
		d, err := time.Parse(time.DateOnly, releaseDate.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse release date")
		}
		t.ReleaseDate = &d
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, platform_id, platform_url FROM track_platforms WHERE track_id = ? ORDER BY platform`, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get links %d", id)
	}
	defer rows.Close()
	for rows.Next() {
		l := model.PlatformLink{TrackID: id}
		if err := rows.Scan(&l.Platform, &l.PlatformID, &l.PlatformURL); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		t.PlatformLinks = append(t.PlatformLinks, l)
	}
	return &t, eris.Wrap(rows.Err(), "sqlite: iterate links")
}

// ScanMissing implements Gateway.
func (s *SQLiteStore) ScanMissing(ctx context.Context, attr model.Attribute, limit, offset int) ([]model.TrackRef, error) {
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
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s %s LIMIT ? OFFSET ?", cols, from, where, scanOrder)

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: scan missing %s", attr)
	}
	defer rows.Close()

	var refs []model.TrackRef
	for rows.Next() {
		var ref model.TrackRef
		var artists, genres string
		dest := []any{&ref.ID, &ref.Title, &artists, &ref.Album, &genres, &ref.Popularity}
		var link model.PlatformLink
		if withPrimary {
			dest = append(dest, &link.Platform, &link.PlatformID, &link.PlatformURL)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan missing %s row", attr)
		}
		if err := json.Unmarshal([]byte(artists), &ref.Artists); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal artists of %d", ref.ID)
		}
		if err := json.Unmarshal([]byte(genres), &ref.Genres); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal genres of %d", ref.ID)
		}
		if withPrimary {
			link.TrackID = ref.ID
			ref.Primary = &link
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: iterate missing %s", attr)
	}
	return refs, nil
}

// CountMissing implements Gateway.
func (s *SQLiteStore) CountMissing(ctx context.Context, attr model.Attribute) (int, error) {
	where, err := missingPredicate(attr)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tracks t WHERE "+where).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count missing %s", attr)
	}
	return n, nil
}

// Commit implements Gateway.
func (s *SQLiteStore) Commit(ctx context.Context, trackID int64, value model.Derived) (CommitOutcome, error) {
	if err := validateCommit(value); err != nil {
		return CommitSkipped, err
	}

	switch v := value.(type) {
	case model.EmbeddingValue:
		vec, err := json.Marshal(v.Vector)
		if err != nil {
			return CommitSkipped, eris.Wrap(err, "sqlite: marshal embedding")
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE tracks SET embedding = ? WHERE id = ? AND embedding IS NULL`,
			string(vec), trackID,
		)
		if err != nil {
			return CommitSkipped, eris.Wrapf(err, "sqlite: commit embedding %d", trackID)
		}
		return sqlOutcome(res)

	case model.ReleaseDateValue:
		res, err := s.db.ExecContext(ctx,
			`UPDATE tracks SET release_date = ?, release_date_confidence = ?, release_date_source = ?
			WHERE id = ? AND release_date IS NULL`,
			v.String(), v.Confidence, string(v.Source), trackID,
		)
		if err != nil {
			return CommitSkipped, eris.Wrapf(err, "sqlite: commit release date %d", trackID)
		}
		return sqlOutcome(res)

	case model.PlatformLinksValue:
		return s.commitLinks(ctx, trackID, v.Links)
	}
	return CommitSkipped, eris.Errorf("sqlite: unsupported value %T", value)
}

func (s *SQLiteStore) commitLinks(ctx context.Context, trackID int64, links []model.PlatformLink) (CommitOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitSkipped, eris.Wrap(err, "sqlite: begin commit links")
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for _, l := range links {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO track_platforms (track_id, platform, platform_id, platform_url)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (track_id, platform) DO NOTHING`,
			trackID, string(l.Platform), l.PlatformID, l.PlatformURL,
		)
		if err != nil {
			return CommitSkipped, eris.Wrapf(err, "sqlite: insert link %d/%s", trackID, l.Platform)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return CommitSkipped, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tracks SET platforms_resolved_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), trackID,
	); err != nil {
		return CommitSkipped, eris.Wrapf(err, "sqlite: mark platforms resolved %d", trackID)
	}

	if err := tx.Commit(); err != nil {
		return CommitSkipped, eris.Wrap(err, "sqlite: commit links")
	}
	return outcome(inserted), nil
}

// SaveTask upserts a task snapshot into the history table.
func (s *SQLiteStore) SaveTask(ctx context.Context, task model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_tasks (id, kind, status, processed, failed, total, restarts, last_error, start_time, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			failed = excluded.failed,
			total = excluded.total,
			restarts = excluded.restarts,
			last_error = excluded.last_error,
			last_update = excluded.last_update`,
		task.ID, string(task.Kind), string(task.Status), task.Processed, task.Failed, task.Total,
		task.Restarts, task.LastError,
		task.StartTime.UTC().Format(time.RFC3339Nano), task.LastUpdate.UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrapf(err, "sqlite: save task %s", task.ID)
}

// GetTask loads a task from the history table.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	var kind, status, start, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, processed, failed, total, restarts, last_error, start_time, last_update
		FROM enrichment_tasks WHERE id = ?`, id,
	).Scan(&t.ID, &kind, &status, &t.Processed, &t.Failed, &t.Total, &t.Restarts, &t.LastError, &start, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", id)
	}
	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	if t.StartTime, err = time.Parse(time.RFC3339Nano, start); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse start_time")
	}
	if t.LastUpdate, err = time.Parse(time.RFC3339Nano, last); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse last_update")
	}
	return &t, nil
}

func sqlOutcome(res sql.Result) (CommitOutcome, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return CommitSkipped, eris.Wrap(err, "sqlite: rows affected")
	}
	return outcome(n), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
