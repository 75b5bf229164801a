package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/mixelka/aggregram/internal/database"
)

// defaultRelayDelay paces successful relays to stay under flood limits.
const defaultRelayDelay = time.Second

// PostWorker consumes relay batches, drives the relay engine in order,
// advances checkpoints, and finalizes the aggregation job.
type PostWorker struct {
	db       *database.DB
	sessions Sessions
	bots     BotSource
	logger   *slog.Logger
	delay    time.Duration
}

// NewPostWorker creates a post worker with the given pacing delay; zero means
// the default one second.
func NewPostWorker(db *database.DB, sessions Sessions, bots BotSource, delay time.Duration, logger *slog.Logger) *PostWorker {
	if delay <= 0 {
		delay = defaultRelayDelay
	}
	return &PostWorker{
		db:       db,
		sessions: sessions,
		bots:     bots,
		logger:   logger.With("component", "post_worker"),
		delay:    delay,
	}
}

// Handle processes one post job from the queue. Re-invocation after a partial
// run is safe: every handled unit advanced its checkpoint, and the next fetch
// starts past it.
func (w *PostWorker) Handle(ctx context.Context, raw []byte) error {
	var p PostPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to decode post payload: %w", err)
	}
	if _, err := w.db.GetAggregationJob(ctx, p.JobID); err != nil {
		return err
	}

	fws, err := w.db.GetFeedWithSources(ctx, p.FeedID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && fws.Destination == nil) {
		return w.db.FailJob(ctx, p.JobID, 0, "feed or destination channel missing")
	}
	if err != nil {
		return err
	}

	bot, err := w.bots.BotClient(ctx, p.UserID)
	if err != nil {
		msg := fmt.Sprintf("no posting bot: %v", err)
		if failErr := w.db.FailJob(ctx, p.JobID, 0, msg); failErr != nil {
			w.logger.Error("failed to record job failure", "job_id", p.JobID, "error", failErr)
		}
		return err
	}

	// The session fallback is optional; relay still works bot-only
	session, err := w.sessions.ClientFor(ctx, p.UserID)
	if err != nil {
		w.logger.Warn("no session for relay fallback", "user_id", p.UserID, "error", err)
		session = nil
	}

	eng := &engine{
		bot:     bot,
		session: session,
		destID:  fws.Destination.TelegramChannelID,
		logger:  w.logger,
	}
	limiter := rate.NewLimiter(rate.Every(w.delay), 1)
	limiter.Allow() // drain the initial token: the delay follows a success, it does not precede the first

	items, err := w.dropHandled(ctx, p.Items)
	if err != nil {
		return err
	}
	if dropped := len(p.Items) - len(items); dropped > 0 {
		w.logger.Info("skipping already checkpointed items",
			"feed_id", p.FeedID,
			"job_id", p.JobID,
			"dropped", dropped)
	}

	units := groupUnits(items)
	posted := 0
	skipped := 0
	for _, u := range units {
		outcome, err := eng.relay(ctx, u)
		if err != nil {
			var fatal *fatalError
			if errors.As(err, &fatal) {
				// Destination is gone: abort the batch, leave every
				// unhandled checkpoint (this unit included) untouched.
				w.logger.Error("destination inaccessible, aborting batch",
					"feed_id", p.FeedID,
					"job_id", p.JobID,
					"posted", posted,
					"error", err)
				return w.db.FailJob(ctx, p.JobID, posted, fatal.Error())
			}
			w.logger.Error("relay failed",
				"feed_id", p.FeedID,
				"job_id", p.JobID,
				"message_id", u.first().MessageID,
				"error", err)
			if failErr := w.db.FailJob(ctx, p.JobID, posted, err.Error()); failErr != nil {
				w.logger.Error("failed to record job failure", "job_id", p.JobID, "error", failErr)
			}
			return err
		}

		if err := w.db.AdvanceCheckpoint(ctx, u.first().FeedSourceID, u.maxID()); err != nil {
			return err
		}

		switch outcome {
		case relayPosted:
			posted += len(u.items)
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		case relaySkipped:
			skipped += len(u.items)
		}
	}

	w.logger.Info("post complete",
		"feed_id", p.FeedID,
		"job_id", p.JobID,
		"posted", posted,
		"skipped", skipped,
		"total", len(items))

	if posted == 0 && len(items) > 0 {
		return w.db.FailJob(ctx, p.JobID, 0,
			fmt.Sprintf("none of %d messages could be relayed (%d skipped)", len(items), skipped))
	}
	return w.db.CompleteJob(ctx, p.JobID, posted)
}

// dropHandled filters out items at or below their source's current
// checkpoint. Payloads are re-delivered at least once on retry; anything an
// earlier run already relayed and checkpointed must not reach the engine
// again.
func (w *PostWorker) dropHandled(ctx context.Context, items []RelayItem) ([]RelayItem, error) {
	checkpoints := make(map[string]int64)
	kept := make([]RelayItem, 0, len(items))
	for _, item := range items {
		cp, ok := checkpoints[item.FeedSourceID]
		if !ok {
			var err error
			cp, err = w.db.GetCheckpoint(ctx, item.FeedSourceID)
			if errors.Is(err, database.ErrNotFound) {
				// Source removed mid-flight; nothing left to relay for it
				cp = int64(math.MaxInt64)
			} else if err != nil {
				return nil, err
			}
			checkpoints[item.FeedSourceID] = cp
		}
		if item.MessageID <= cp {
			continue
		}
		kept = append(kept, item)
	}
	return kept, nil
}
