package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/aggregram/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func seedFeedSource(t *testing.T, db *DB, feedID, sourceID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.CreateFeed(ctx, &models.Feed{
		ID:                 feedID,
		UserID:             "user-1",
		Name:               "test feed",
		Status:             models.FeedActive,
		PollingIntervalSec: 300,
	}))
	require.NoError(t, db.CreateSourceChannel(ctx, &models.SourceChannel{
		ID:                "sc-" + sourceID,
		TelegramChannelID: 100200,
		Title:             "source",
	}))
	require.NoError(t, db.AddFeedSource(ctx, &models.FeedSource{
		ID:              sourceID,
		FeedID:          feedID,
		SourceChannelID: "sc-" + sourceID,
	}))
}

func TestCheckpointNeverMovesBackward(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFeedSource(t, db, "feed-1", "src-1")

	require.NoError(t, db.AdvanceCheckpoint(ctx, "src-1", 50))
	cp, err := db.GetCheckpoint(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cp)

	// a stale update must not rewind the checkpoint
	require.NoError(t, db.AdvanceCheckpoint(ctx, "src-1", 20))
	cp, err = db.GetCheckpoint(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cp)

	require.NoError(t, db.AdvanceCheckpoint(ctx, "src-1", 51))
	cp, err = db.GetCheckpoint(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, int64(51), cp)
}

func TestGetCheckpointMissingSource(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetCheckpoint(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFeedWithSources(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFeedSource(t, db, "feed-1", "src-1")

	fws, err := db.GetFeedWithSources(ctx, "feed-1")
	require.NoError(t, err)
	assert.Equal(t, "feed-1", fws.Feed.ID)
	assert.Nil(t, fws.Destination, "no destination channel yet")
	require.Len(t, fws.Sources, 1)
	assert.Equal(t, "src-1", fws.Sources[0].Source.ID)
	assert.Equal(t, int64(100200), fws.Sources[0].Channel.TelegramChannelID)

	require.NoError(t, db.CreateFeedChannel(ctx, &models.FeedChannel{
		ID:                "fc-1",
		FeedID:            "feed-1",
		TelegramChannelID: -100500,
		Title:             "test feed",
	}))

	fws, err = db.GetFeedWithSources(ctx, "feed-1")
	require.NoError(t, err)
	require.NotNil(t, fws.Destination)
	assert.Equal(t, int64(-100500), fws.Destination.TelegramChannelID)
}

func TestGetFeedWithSourcesMissing(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetFeedWithSources(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourceChannelProtectedFlag(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFeedSource(t, db, "feed-1", "src-1")

	require.NoError(t, db.SetSourceChannelProtected(ctx, "sc-src-1", true))

	fws, err := db.GetFeedWithSources(ctx, "feed-1")
	require.NoError(t, err)
	assert.True(t, fws.Sources[0].Channel.Protected)
}

func TestAggregationJobLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFeedSource(t, db, "feed-1", "src-1")

	job := &models.AggregationJob{
		ID:        "job-1",
		FeedID:    "feed-1",
		Status:    models.JobPending,
		StartedAt: sql.NullTime{Time: time.Now(), Valid: true},
	}
	require.NoError(t, db.CreateAggregationJob(ctx, job))

	require.NoError(t, db.MarkJobRunning(ctx, "job-1"))
	require.NoError(t, db.SetJobFetched(ctx, "job-1", 7))
	require.NoError(t, db.CompleteJob(ctx, "job-1", 5))

	got, err := db.GetAggregationJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 7, got.MessagesFetched)
	assert.Equal(t, 5, got.MessagesPosted)
	assert.True(t, got.CompletedAt.Valid)
}

func TestFailJobRecordsDiagnostic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFeedSource(t, db, "feed-1", "src-1")

	require.NoError(t, db.CreateAggregationJob(ctx, &models.AggregationJob{
		ID:     "job-1",
		FeedID: "feed-1",
		Status: models.JobRunning,
	}))
	require.NoError(t, db.FailJob(ctx, "job-1", 2, "destination channel missing"))

	got, err := db.GetAggregationJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 2, got.MessagesPosted)
	assert.Equal(t, "destination channel missing", got.ErrorMessage.String)
}

func TestRecentJobsByUserNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFeedSource(t, db, "feed-1", "src-1")

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		require.NoError(t, db.CreateAggregationJob(ctx, &models.AggregationJob{
			ID:     id,
			FeedID: "feed-1",
			Status: models.JobCompleted,
		}))
		// created_at has second resolution in sqlite comparisons
		_, err := db.ExecContext(ctx, `UPDATE aggregation_jobs SET created_at = datetime('now', ?) WHERE id = ?`,
			map[string]string{"job-a": "-3 seconds", "job-b": "-2 seconds", "job-c": "-1 seconds"}[id], id)
		require.NoError(t, err)
	}

	jobs, err := db.RecentJobsByUser(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-c", jobs[0].ID)
	assert.Equal(t, "job-b", jobs[1].ID)
}
