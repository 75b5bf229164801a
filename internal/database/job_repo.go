package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/aggregram/pkg/models"
)

// CreateAggregationJob inserts a new aggregation job row
func (db *DB) CreateAggregationJob(ctx context.Context, job *models.AggregationJob) error {
	query := `
		INSERT INTO aggregation_jobs (id, feed_id, status, messages_fetched, messages_posted, error_message, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		job.ID, job.FeedID, job.Status, job.MessagesFetched, job.MessagesPosted,
		job.ErrorMessage, job.StartedAt, job.CompletedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create aggregation job: %w", err)
	}
	return nil
}

// GetAggregationJob returns an aggregation job by id
func (db *DB) GetAggregationJob(ctx context.Context, id string) (*models.AggregationJob, error) {
	var job models.AggregationJob
	err := db.GetContext(ctx, &job, `SELECT * FROM aggregation_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregation job: %w", err)
	}
	return &job, nil
}

// MarkJobRunning flips a job to running and stamps the start time
func (db *DB) MarkJobRunning(ctx context.Context, id string) error {
	query := `UPDATE aggregation_jobs SET status = ?, started_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.JobRunning, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return nil
}

// SetJobFetched records the number of messages fetched for a job
func (db *DB) SetJobFetched(ctx context.Context, id string, fetched int) error {
	query := `UPDATE aggregation_jobs SET messages_fetched = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, fetched, id)
	if err != nil {
		return fmt.Errorf("failed to set fetched count: %w", err)
	}
	return nil
}

// CompleteJob finalizes a job as completed with the posted count
func (db *DB) CompleteJob(ctx context.Context, id string, posted int) error {
	query := `UPDATE aggregation_jobs SET status = ?, messages_posted = ?, completed_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.JobCompleted, posted, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailJob finalizes a job as failed with a diagnostic message
func (db *DB) FailJob(ctx context.Context, id string, posted int, errMsg string) error {
	query := `UPDATE aggregation_jobs SET status = ?, messages_posted = ?, error_message = ?, completed_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.JobFailed, posted, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// RecentJobsByUser returns the latest aggregation jobs across a user's feeds,
// newest first, for pipeline health reporting.
func (db *DB) RecentJobsByUser(ctx context.Context, userID string, limit int) ([]*models.AggregationJob, error) {
	var jobs []*models.AggregationJob
	query := `
		SELECT j.* FROM aggregation_jobs j
		JOIN feeds f ON j.feed_id = f.id
		WHERE f.user_id = ?
		ORDER BY j.created_at DESC
		LIMIT ?
	`
	err := db.SelectContext(ctx, &jobs, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent jobs: %w", err)
	}
	return jobs, nil
}
