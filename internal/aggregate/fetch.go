package aggregate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/queue"
	"github.com/mixelka/aggregram/internal/telegram"
	"github.com/mixelka/aggregram/pkg/models"
)

const (
	fetchPageLimit     = 100
	maxHistoricalPages = 10

	postJobAttempts = 3
	postJobBackoff  = 5 * time.Second
)

// FetchWorker pulls new messages for a feed's sources since their checkpoints
// and assembles one chronologically ordered relay batch.
type FetchWorker struct {
	db       *database.DB
	sessions Sessions
	queue    Enqueuer
	logger   *slog.Logger
}

// NewFetchWorker creates a fetch worker.
func NewFetchWorker(db *database.DB, sessions Sessions, q Enqueuer, logger *slog.Logger) *FetchWorker {
	return &FetchWorker{
		db:       db,
		sessions: sessions,
		queue:    q,
		logger:   logger.With("component", "fetch_worker"),
	}
}

// Handle processes one fetch job from the queue.
func (w *FetchWorker) Handle(ctx context.Context, raw []byte) error {
	var p FetchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to decode fetch payload: %w", err)
	}

	jobID, err := w.ensureJob(ctx, &p)
	if err != nil {
		return err
	}

	fws, err := w.db.GetFeedWithSources(ctx, p.FeedID)
	if errors.Is(err, database.ErrNotFound) {
		w.logger.Warn("feed gone, completing job", "feed_id", p.FeedID, "job_id", jobID)
		return w.db.CompleteJob(ctx, jobID, 0)
	}
	if err != nil {
		return err
	}
	if fws.Destination == nil || len(fws.Sources) == 0 {
		w.logger.Info("feed has no destination or sources, nothing to fetch",
			"feed_id", p.FeedID, "job_id", jobID)
		return w.db.CompleteJob(ctx, jobID, 0)
	}

	client, err := w.sessions.ClientFor(ctx, p.UserID)
	if err != nil {
		msg := fmt.Sprintf("no usable session: %v", err)
		if failErr := w.db.FailJob(ctx, jobID, 0, msg); failErr != nil {
			w.logger.Error("failed to record job failure", "job_id", jobID, "error", failErr)
		}
		return err
	}

	var (
		batch      []RelayItem
		fetched    int
		advisories []string
	)
	for _, src := range fws.Sources {
		items, count, err := w.fetchSource(ctx, client, &fws.Feed, src)
		if err != nil {
			// One source's failure never aborts the others
			advisories = append(advisories, fmt.Sprintf("%s: %v", src.Channel.Title, err))
			w.logger.Error("source fetch failed",
				"feed_id", p.FeedID,
				"source_channel_id", src.Channel.TelegramChannelID,
				"error", err)
			continue
		}
		fetched += count
		batch = append(batch, items...)
	}

	if err := w.db.SetJobFetched(ctx, jobID, fetched); err != nil {
		return err
	}
	w.logger.Info("fetch complete",
		"feed_id", p.FeedID,
		"job_id", jobID,
		"fetched", fetched,
		"relayable", len(batch),
		"source_errors", len(advisories))

	if len(batch) == 0 {
		if fetched == 0 && len(advisories) == len(fws.Sources) {
			// Every source failed; surface the advisories on the job record
			return w.db.FailJob(ctx, jobID, 0, strings.Join(advisories, "; "))
		}
		return w.db.CompleteJob(ctx, jobID, 0)
	}

	// Global chronological order across sources
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Date != batch[j].Date {
			return batch[i].Date < batch[j].Date
		}
		return batch[i].MessageID < batch[j].MessageID
	})

	_, err = w.queue.Enqueue(ctx, queue.KindPost, PostPayload{
		FeedID: p.FeedID,
		UserID: p.UserID,
		JobID:  jobID,
		Items:  batch,
	}, queue.Options{Attempts: postJobAttempts, Backoff: postJobBackoff})
	if err != nil {
		return fmt.Errorf("failed to enqueue post job: %w", err)
	}
	return nil
}

// ensureJob loads or creates the aggregation job record and marks it running.
func (w *FetchWorker) ensureJob(ctx context.Context, p *FetchPayload) (string, error) {
	if p.JobID != "" {
		if _, err := w.db.GetAggregationJob(ctx, p.JobID); err != nil {
			return "", err
		}
		return p.JobID, w.db.MarkJobRunning(ctx, p.JobID)
	}

	job := &models.AggregationJob{
		ID:        uuid.NewString(),
		FeedID:    p.FeedID,
		Status:    models.JobRunning,
		StartedAt: sql.NullTime{Time: time.Now(), Valid: true},
	}
	if err := w.db.CreateAggregationJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// fetchSource pulls new messages for one source. The returned count includes
// protected messages; the returned items are the relayable subset. Checkpoint
// advancement for protected-only messages happens here, since the post worker
// never sees them.
func (w *FetchWorker) fetchSource(ctx context.Context, client telegram.Client, feed *models.Feed, src database.SourceWithChannel) ([]RelayItem, int, error) {
	chatID := src.Channel.TelegramChannelID
	checkpoint := src.Source.LastMessageID

	protected := src.Channel.Protected
	if info, err := client.ChatInfo(ctx, chatID); err == nil {
		if info.Protected != src.Channel.Protected {
			protected = info.Protected
			if err := w.db.SetSourceChannelProtected(ctx, src.Channel.ID, info.Protected); err != nil {
				w.logger.Warn("failed to persist protected flag",
					"source_channel_id", chatID, "error", err)
			}
		}
	}

	var (
		msgs []telegram.Message
		err  error
	)
	if checkpoint == 0 && feed.FetchFromDate.Valid {
		msgs, err = w.historical(ctx, client, chatID, feed.FetchFromDate.Time)
	} else {
		msgs, err = client.History(ctx, chatID, checkpoint, fetchPageLimit)
	}
	if err != nil {
		return nil, 0, err
	}
	if len(msgs) == 0 {
		return nil, 0, nil
	}

	var maxID int64
	for _, m := range msgs {
		if m.ID > maxID {
			maxID = m.ID
		}
	}

	if protected {
		// Nothing is relayable; move the checkpoint here so protected
		// messages are not re-fetched forever.
		if err := w.db.AdvanceCheckpoint(ctx, src.Source.ID, maxID); err != nil {
			return nil, 0, err
		}
		w.logger.Info("source is protected, skipping relay",
			"source_channel_id", chatID,
			"new_messages", len(msgs),
			"checkpoint", maxID)
		return nil, len(msgs), nil
	}

	items := make([]RelayItem, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		items = append(items, RelayItem{
			FeedSourceID:    src.Source.ID,
			SourceChannelID: chatID,
			SourceTitle:     src.Channel.Title,
			SourceUsername:  src.Channel.Username.String,
			MessageID:       m.ID,
			Date:            m.Date.Unix(),
			Text:            text,
			HasMedia:        m.HasMedia,
			MediaGroupID:    m.MediaGroupID,
		})
	}
	return items, len(msgs), nil
}

// historical pages backward from the newest message until the start date,
// bounded to keep one run from walking an entire channel history.
func (w *FetchWorker) historical(ctx context.Context, client telegram.Client, chatID int64, since time.Time) ([]telegram.Message, error) {
	var collected []telegram.Message
	var beforeID int64

	for page := 0; page < maxHistoricalPages; page++ {
		msgs, err := client.HistoryBefore(ctx, chatID, beforeID, fetchPageLimit)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			break
		}

		reachedStart := false
		for _, m := range msgs { // newest first
			if m.Date.Before(since) {
				reachedStart = true
				break
			}
			collected = append(collected, m)
			beforeID = m.ID
		}
		if reachedStart || len(msgs) < fetchPageLimit {
			break
		}
	}

	// Oldest first, like the incremental path
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}
