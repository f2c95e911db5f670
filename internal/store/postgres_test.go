package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/track-enricher/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_ScanMissing_Embedding(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"id", "title", "artists", "album", "genres", "popularity"}).
		AddRow(int64(7), "Hey Jude", []string{"The Beatles"}, "Hey Jude", []string{"rock"}, 99).
		AddRow(int64(3), "Yesterday", []string{"The Beatles"}, "Help!", []string{"pop"}, 80)

	mock.ExpectQuery(`SELECT t.id, t.title, t.artists, t.album, t.genres, t.popularity FROM tracks t WHERE t.embedding IS NULL ORDER BY t.popularity DESC, t.id ASC LIMIT \$1 OFFSET \$2`).
		WithArgs(10, 2).
		WillReturnRows(rows)

	refs, err := s.ScanMissing(context.Background(), model.AttributeEmbedding, 10, 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(7), refs[0].ID)
	assert.Equal(t, []string{"The Beatles"}, refs[0].Artists)
	assert.Equal(t, 80, refs[1].Popularity)
	assert.Nil(t, refs[0].Primary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScanMissing_PlatformsCarriesPrimary(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "title", "artists", "album", "genres", "popularity",
		"platform", "platform_id", "platform_url",
	}).AddRow(int64(5), "Song", []string{"Artist"}, "", []string{}, 10,
		"spotify", "4uLU6hMCjMI75M1A2tKUQC", "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC")

	mock.ExpectQuery(`JOIN track_platforms p ON p.track_id = t.id WHERE t.platforms_resolved_at IS NULL`).
		WithArgs(5, 0).
		WillReturnRows(rows)

	refs, err := s.ScanMissing(context.Background(), model.AttributePlatformLinks, 5, 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.NotNil(t, refs[0].Primary)
	assert.Equal(t, model.PlatformSpotify, refs[0].Primary.Platform)
	assert.Equal(t, "4uLU6hMCjMI75M1A2tKUQC", refs[0].Primary.PlatformID)
	assert.Equal(t, int64(5), refs[0].Primary.TrackID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScanMissing_UnknownAttribute(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.ScanMissing(context.Background(), model.Attribute("lyrics"), 10, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown attribute")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScanMissing_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM tracks t WHERE t.release_date IS NULL`).
		WithArgs(10, 0).
		WillReturnError(errors.New("connection reset"))

	_, err := s.ScanMissing(context.Background(), model.AttributeReleaseDate, 10, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan missing release_date")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tracks t WHERE t.embedding IS NULL`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(25))

	n, err := s.CountMissing(context.Background(), model.AttributeEmbedding)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitEmbedding_Applied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	vec := []float32{0.1, 0.2, 0.3}
	mock.ExpectExec(`UPDATE tracks SET embedding = \$2 WHERE id = \$1 AND embedding IS NULL`).
		WithArgs(int64(1), vec).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	out, err := s.Commit(context.Background(), 1, model.EmbeddingValue{Vector: vec})
	require.NoError(t, err)
	assert.Equal(t, CommitApplied, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitEmbedding_AlreadyPresent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	vec := []float32{0.5}
	mock.ExpectExec(`UPDATE tracks SET embedding`).
		WithArgs(int64(1), vec).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	out, err := s.Commit(context.Background(), 1, model.EmbeddingValue{Vector: vec})
	require.NoError(t, err)
	assert.Equal(t, CommitSkipped, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitEmbedding_EmptyRejected(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.Commit(context.Background(), 1, model.EmbeddingValue{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitReleaseDate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	v := model.ReleaseDateValue{Year: 1968, Month: 8, Confidence: 0.9, Source: model.ReleaseSourceAI}
	mock.ExpectExec(`UPDATE tracks SET release_date = \$2, release_date_confidence = \$3, release_date_source = \$4`).
		WithArgs(int64(9), v.Date(), 0.9, "ai").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	out, err := s.Commit(context.Background(), 9, v)
	require.NoError(t, err)
	assert.Equal(t, CommitApplied, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitLinks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	links := []model.PlatformLink{
		{TrackID: 4, Platform: model.PlatformDeezer, PlatformID: "3135556", PlatformURL: "https://www.deezer.com/track/3135556"},
		{TrackID: 4, Platform: model.PlatformTidal, PlatformID: "1234", PlatformURL: "https://listen.tidal.com/track/1234"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO track_platforms`).
		WithArgs(int64(4), "deezer", "3135556", "https://www.deezer.com/track/3135556").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO track_platforms`).
		WithArgs(int64(4), "tidal", "1234", "https://listen.tidal.com/track/1234").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE tracks SET platforms_resolved_at = now\(\) WHERE id = \$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	out, err := s.Commit(context.Background(), 4, model.PlatformLinksValue{Links: links})
	require.NoError(t, err)
	assert.Equal(t, CommitApplied, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitLinks_EmptyMarksAttempt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tracks SET platforms_resolved_at`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	out, err := s.Commit(context.Background(), 4, model.PlatformLinksValue{})
	require.NoError(t, err)
	assert.Equal(t, CommitSkipped, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitLinks_InsertErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO track_platforms`).
		WithArgs(int64(4), "deezer", "1", "").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := s.Commit(context.Background(), 4, model.PlatformLinksValue{Links: []model.PlatformLink{
		{Platform: model.PlatformDeezer, PlatformID: "1"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert link 4/deezer")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	task := model.Task{
		ID: "0192-abc", Kind: model.KindEmbedding, Status: model.TaskCompleted,
		Processed: 25, Total: 25, StartTime: now, LastUpdate: now,
	}
	mock.ExpectExec(`INSERT INTO enrichment_tasks .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("0192-abc", "embedding", "completed", 25, 0, 25, 0, "", now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveTask(context.Background(), task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM enrichment_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "kind", "status", "processed", "failed", "total", "restarts", "last_error", "start_time", "last_update",
		}).AddRow("t1", "platforms", "failed", 3, 1, 10, 2, "store: boom", now, now))

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.KindPlatforms, task.Kind)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, 2, task.Restarts)
	assert.Equal(t, "store: boom", task.LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM enrichment_tasks WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS tracks`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
