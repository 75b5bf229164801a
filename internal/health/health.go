package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/queue"
	"github.com/mixelka/aggregram/internal/telegram"
	"github.com/mixelka/aggregram/pkg/models"
)

const (
	checkTimeout   = 5 * time.Second
	recentJobLimit = 10
)

// Sessions is the session-manager slice the checker needs.
type Sessions interface {
	ClientFor(ctx context.Context, userID string) (telegram.Client, error)
}

// QueueStats exposes job-count introspection.
type QueueStats interface {
	Depths(ctx context.Context) (map[queue.Kind]int, error)
}

// SessionHealth is the verified state of one user's session.
type SessionHealth struct {
	Connected      bool   `json:"connected"`
	TelegramUserID int64  `json:"telegram_user_id,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// PipelineHealth reports queue pressure and recent job outcomes.
type PipelineHealth struct {
	QueueDepths map[queue.Kind]int       `json:"queue_depths"`
	RecentJobs  []*models.AggregationJob `json:"recent_jobs"`
}

// Checker reports session and pipeline health for a user.
type Checker struct {
	db       *database.DB
	sessions Sessions
	stats    QueueStats
	logger   *slog.Logger
}

// NewChecker creates a health checker.
func NewChecker(db *database.DB, sessions Sessions, stats QueueStats, logger *slog.Logger) *Checker {
	return &Checker{
		db:       db,
		sessions: sessions,
		stats:    stats,
		logger:   logger.With("component", "health"),
	}
}

// Session verifies the user's session with a live self-identify call rather
// than trusting the persisted state.
func (c *Checker) Session(ctx context.Context, userID string) *SessionHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	client, err := c.sessions.ClientFor(ctx, userID)
	if err != nil {
		return &SessionHealth{Connected: false, Detail: err.Error()}
	}

	self, err := client.Self(ctx)
	if err != nil {
		return &SessionHealth{Connected: false, Detail: err.Error()}
	}
	return &SessionHealth{Connected: true, TelegramUserID: self.ID}
}

// Queues reports current queue depths across all users.
func (c *Checker) Queues(ctx context.Context) (map[queue.Kind]int, error) {
	return c.stats.Depths(ctx)
}

// Pipeline reports queue depths and the user's recent aggregation jobs.
func (c *Checker) Pipeline(ctx context.Context, userID string) (*PipelineHealth, error) {
	depths, err := c.stats.Depths(ctx)
	if err != nil {
		return nil, err
	}

	jobs, err := c.db.RecentJobsByUser(ctx, userID, recentJobLimit)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	return &PipelineHealth{QueueDepths: depths, RecentJobs: jobs}, nil
}
