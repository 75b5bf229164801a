package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mixelka/aggregram/internal/aggregate"
	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/queue"
)

const (
	defaultInterval  = 5 * time.Minute
	fetchJobAttempts = 3
	fetchJobBackoff  = 10 * time.Second
)

// Enqueuer is the queue slice the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any, opts queue.Options) (string, error)
}

// Scheduler installs one recurring fetch trigger per active feed. Triggers
// are keyed by feed id, so installing again replaces instead of stacking.
type Scheduler struct {
	cron   *cron.Cron
	db     *database.DB
	queue  Enqueuer
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler. Call Start to install triggers and begin firing.
func New(db *database.DB, q Enqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		db:      db,
		queue:   q,
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]cron.EntryID),
	}
}

// Start installs triggers for every active feed and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	feeds, err := s.db.GetActiveFeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active feeds: %w", err)
	}
	for _, feed := range feeds {
		s.Schedule(feed.ID, feed.UserID, time.Duration(feed.PollingIntervalSec)*time.Second)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "feeds", len(feeds))
	return nil
}

// Stop stops the cron loop and waits for in-flight trigger functions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule installs the recurring fetch trigger for a feed, replacing any
// existing one. Safe to call for an already scheduled feed.
func (s *Scheduler) Schedule(feedID, userID string, every time.Duration) {
	if every <= 0 {
		every = defaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[feedID]; ok {
		s.cron.Remove(old)
	}

	spec := fmt.Sprintf("@every %s", every)
	id, err := s.cron.AddFunc(spec, func() { s.fire(feedID, userID) })
	if err != nil {
		// AddFunc only fails on a bad spec, which @every with a positive
		// duration cannot produce
		s.logger.Error("failed to install trigger", "feed_id", feedID, "spec", spec, "error", err)
		return
	}
	s.entries[feedID] = id
	s.logger.Info("scheduled feed", "feed_id", feedID, "interval", every)
}

// Unschedule removes a feed's trigger, if any.
func (s *Scheduler) Unschedule(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[feedID]; ok {
		s.cron.Remove(id)
		delete(s.entries, feedID)
		s.logger.Info("unscheduled feed", "feed_id", feedID)
	}
}

// Reschedule replaces a feed's trigger with a new interval.
func (s *Scheduler) Reschedule(feedID, userID string, every time.Duration) {
	s.Schedule(feedID, userID, every)
}

// Scheduled reports whether a trigger is installed for the feed.
func (s *Scheduler) Scheduled(feedID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[feedID]
	return ok
}

// fire enqueues one fetch run for the feed. The fetch worker creates the
// aggregation job record itself.
func (s *Scheduler) fire(feedID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.queue.Enqueue(ctx, queue.KindFetch, aggregate.FetchPayload{
		FeedID: feedID,
		UserID: userID,
	}, queue.Options{Attempts: fetchJobAttempts, Backoff: fetchJobBackoff})
	if err != nil {
		s.logger.Error("failed to enqueue fetch job", "feed_id", feedID, "error", err)
		return
	}
	s.logger.Debug("fetch triggered", "feed_id", feedID)
}
