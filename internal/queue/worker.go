package queue

import (
	"context"
	"fmt"
	"time"
)

// runWorker is one worker goroutine of a kind's pool. It polls for due jobs
// and executes them one at a time; a panic in a handler is captured as a job
// failure rather than taking the process down.
func (q *Queue) runWorker(ctx context.Context, kind Kind, handler Handler) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain all due jobs before going back to sleep
		for {
			job, err := q.claim(ctx, kind)
			if err != nil {
				q.logger.Error("failed to claim job", "kind", kind, "error", err)
				break
			}
			if job == nil {
				break
			}
			q.execute(ctx, kind, job, handler)

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (q *Queue) execute(ctx context.Context, kind Kind, job *claimedJob, handler Handler) {
	start := time.Now()
	err := q.safeInvoke(ctx, job, handler)
	if err != nil {
		q.retryOrFail(ctx, job, err)
		return
	}
	q.finish(ctx, job.ID)
	q.logger.Debug("job finished", "kind", kind, "job_id", job.ID, "duration", time.Since(start))
}

func (q *Queue) safeInvoke(ctx context.Context, job *claimedJob, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
			q.logger.Error("job handler panicked", "job_id", job.ID, "panic", r)
		}
	}()
	return handler(ctx, []byte(job.Payload))
}
