package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/aggregram/internal/database"
)

// Kind identifies a job type with its own handler and worker pool.
type Kind string

const (
	KindChannel Kind = "channel"
	KindFetch   Kind = "fetch"
	KindPost    Kind = "post"
)

// Job statuses in the task_jobs table.
const (
	statusWaiting = "waiting"
	statusActive  = "active"
	statusFailed  = "failed"
)

// Options controls retry behavior for an enqueued job.
type Options struct {
	// Attempts is the total number of tries, 1 means no retry.
	Attempts int
	// Backoff is the base delay before the first retry; it doubles on each
	// subsequent attempt.
	Backoff time.Duration
	// Delay postpones the first run.
	Delay time.Duration
}

// Handler processes one job payload. A returned error triggers a retry while
// attempts remain; delivery is at least once.
type Handler func(ctx context.Context, payload []byte) error

type pool struct {
	concurrency int
	handler     Handler
}

// Queue is a durable task queue backed by the task_jobs table. Jobs survive a
// process restart; anything claimed but not finished is re-dispatched on the
// next start.
type Queue struct {
	db           *database.DB
	logger       *slog.Logger
	pollInterval time.Duration

	mu    sync.Mutex
	pools map[Kind]*pool

	claimMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Handlers are registered with Handle before Start.
func New(db *database.DB, pollInterval time.Duration, logger *slog.Logger) *Queue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Queue{
		db:           db,
		logger:       logger.With("component", "queue"),
		pollInterval: pollInterval,
		pools:        make(map[Kind]*pool),
	}
}

// Handle registers the handler and worker count for a kind.
func (q *Queue) Handle(kind Kind, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pools[kind] = &pool{concurrency: concurrency, handler: h}
}

// Enqueue persists a job. The payload is marshaled to JSON.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, opts Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	id := uuid.NewString()
	now := time.Now()
	query := `
		INSERT INTO task_jobs (id, kind, payload, status, attempts, max_attempts, backoff_ms, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
	`
	_, err = q.db.ExecContext(ctx, query,
		id, string(kind), string(data), statusWaiting,
		attempts, opts.Backoff.Milliseconds(), now.Add(opts.Delay), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug("enqueued job", "kind", kind, "job_id", id)
	return id, nil
}

// Depths returns the number of waiting and active jobs per kind, for health
// reporting.
func (q *Queue) Depths(ctx context.Context) (map[Kind]int, error) {
	rows, err := q.db.QueryxContext(ctx, `
		SELECT kind, COUNT(*) FROM task_jobs
		WHERE status IN ('waiting', 'active')
		GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[Kind]int)
	q.mu.Lock()
	for kind := range q.pools {
		depths[kind] = 0
	}
	q.mu.Unlock()

	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		depths[Kind(kind)] = count
	}
	return depths, rows.Err()
}

// Start launches the worker pools and begins dispatching. Jobs left in the
// active state by a previous process are reset to waiting first.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.recoverOrphans(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.mu.Lock()
	defer q.mu.Unlock()
	for kind, p := range q.pools {
		for i := 0; i < p.concurrency; i++ {
			q.wg.Add(1)
			go q.runWorker(runCtx, kind, p.handler)
		}
		q.logger.Info("started workers", "kind", kind, "concurrency", p.concurrency)
	}
	return nil
}

// Stop cancels dispatching and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("queue stopped")
}

func (q *Queue) recoverOrphans(ctx context.Context) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE task_jobs SET status = ?, updated_at = ? WHERE status = ?`,
		statusWaiting, time.Now(), statusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Warn("re-dispatching jobs orphaned by previous process", "count", n)
	}
	return nil
}

type claimedJob struct {
	ID          string `db:"id"`
	Payload     string `db:"payload"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	BackoffMS   int64  `db:"backoff_ms"`
}

// claim atomically takes the next due job of a kind, or returns nil.
func (q *Queue) claim(ctx context.Context, kind Kind) (*claimedJob, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	var job claimedJob
	err := q.db.GetContext(ctx, &job, `
		SELECT id, payload, attempts, max_attempts, backoff_ms FROM task_jobs
		WHERE kind = ? AND status = ? AND run_at <= ?
		ORDER BY run_at LIMIT 1
	`, string(kind), statusWaiting, time.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select job: %w", err)
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE task_jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
		statusActive, time.Now(), job.ID, statusWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the claim race; the caller polls again
		return nil, nil
	}
	job.Attempts++
	return &job, nil
}

func (q *Queue) finish(ctx context.Context, jobID string) {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM task_jobs WHERE id = ?`, jobID); err != nil {
		q.logger.Error("failed to delete finished job", "job_id", jobID, "error", err)
	}
}

func (q *Queue) retryOrFail(ctx context.Context, job *claimedJob, jobErr error) {
	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx,
			`UPDATE task_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			statusFailed, jobErr.Error(), time.Now(), job.ID,
		)
		if err != nil {
			q.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		}
		q.logger.Error("job exhausted attempts", "job_id", job.ID, "attempts", job.Attempts, "error", jobErr)
		return
	}

	// Exponential backoff: base * 2^(attempt-1)
	backoff := time.Duration(job.BackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = time.Second
	}
	delay := backoff << (job.Attempts - 1)

	_, err := q.db.ExecContext(ctx,
		`UPDATE task_jobs SET status = ?, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
		statusWaiting, jobErr.Error(), time.Now().Add(delay), time.Now(), job.ID,
	)
	if err != nil {
		q.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
		return
	}
	q.logger.Warn("job failed, retry scheduled",
		"job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts,
		"delay", delay, "error", jobErr)
}
