package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/aggregram/internal/database"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return New(db, 10*time.Millisecond, slog.Default())
}

type testPayload struct {
	Value string `json:"value"`
}

func TestEnqueueAndProcess(t *testing.T) {
	q := newTestQueue(t)

	var got atomic.Value
	done := make(chan struct{})
	q.Handle(KindFetch, 2, func(ctx context.Context, payload []byte) error {
		var p testPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		got.Store(p.Value)
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	_, err := q.Enqueue(ctx, KindFetch, testPayload{Value: "hello"}, Options{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	assert.Equal(t, "hello", got.Load())
}

func TestRetryWithBackoffThenFail(t *testing.T) {
	q := newTestQueue(t)

	var calls atomic.Int32
	q.Handle(KindPost, 1, func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	id, err := q.Enqueue(ctx, KindPost, testPayload{}, Options{Attempts: 3, Backoff: 20 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return calls.Load() == 3
	}, 3*time.Second, 10*time.Millisecond, "expected exactly 3 attempts")

	// Exhausted jobs stay recorded as failed with the last error
	require.Eventually(t, func() bool {
		var status, lastError string
		err := q.db.QueryRowx(`SELECT status, last_error FROM task_jobs WHERE id = ?`, id).Scan(&status, &lastError)
		return err == nil && status == "failed" && lastError == "boom"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSerializedKindRunsOneAtATime(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var processed atomic.Int32

	q.Handle(KindChannel, 1, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		processed.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, KindChannel, testPayload{}, Options{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return processed.Load() == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning, "channel jobs must never interleave")
}

func TestRecoverOrphanedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindFetch, testPayload{}, Options{})
	require.NoError(t, err)

	// Simulate a crash mid-job: claimed but never finished
	_, err = q.db.Exec(`UPDATE task_jobs SET status = 'active' WHERE id = ?`, id)
	require.NoError(t, err)

	done := make(chan struct{})
	q.Handle(KindFetch, 1, func(ctx context.Context, payload []byte) error {
		close(done)
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, q.Start(runCtx))
	defer q.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned job was not re-dispatched")
	}
}

func TestDepths(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Handle(KindFetch, 1, func(ctx context.Context, payload []byte) error { return nil })
	q.Handle(KindPost, 1, func(ctx context.Context, payload []byte) error { return nil })

	_, err := q.Enqueue(ctx, KindFetch, testPayload{}, Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindFetch, testPayload{}, Options{})
	require.NoError(t, err)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depths[KindFetch])
	assert.Equal(t, 0, depths[KindPost])
}
