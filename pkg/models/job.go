package models

import (
	"database/sql"
	"time"
)

// Aggregation job status values
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// AggregationJob records one fetch→post cycle for a feed. Created by the
// fetch worker and finalized by whichever worker determines the outcome.
type AggregationJob struct {
	ID              string         `db:"id"`
	FeedID          string         `db:"feed_id"`
	Status          string         `db:"status"`
	MessagesFetched int            `db:"messages_fetched"`
	MessagesPosted  int            `db:"messages_posted"`
	ErrorMessage    sql.NullString `db:"error_message"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	CreatedAt       time.Time      `db:"created_at"`
}
