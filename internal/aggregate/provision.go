package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/queue"
	"github.com/mixelka/aggregram/pkg/models"
)

// FeedScheduler installs the recurring fetch trigger for a feed.
type FeedScheduler interface {
	Schedule(feedID, userID string, every time.Duration)
}

// Provisioner creates the destination channel for a feed: channel creation,
// bot admin grant, invite link, activation, and trigger installation. Runs on
// the channel queue kind, which is serialized to one task at a time.
type Provisioner struct {
	db        *database.DB
	sessions  Sessions
	queue     Enqueuer
	scheduler FeedScheduler
	logger    *slog.Logger
}

// NewProvisioner creates a channel provisioner.
func NewProvisioner(db *database.DB, sessions Sessions, q Enqueuer, scheduler FeedScheduler, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		db:        db,
		sessions:  sessions,
		queue:     q,
		scheduler: scheduler,
		logger:    logger.With("component", "channel_provisioner"),
	}
}

// Handle processes one channel-provisioning job.
func (p *Provisioner) Handle(ctx context.Context, raw []byte) error {
	var payload ChannelPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to decode channel payload: %w", err)
	}

	fws, err := p.db.GetFeedWithSources(ctx, payload.FeedID)
	if errors.Is(err, database.ErrNotFound) {
		p.logger.Warn("feed gone before provisioning", "feed_id", payload.FeedID)
		return nil
	}
	if err != nil {
		return err
	}
	feed := fws.Feed

	if fws.Destination != nil {
		// Re-delivery after a partial run; just make sure the trigger exists
		p.activate(ctx, &feed, payload.UserID)
		return nil
	}

	client, err := p.sessions.ClientFor(ctx, payload.UserID)
	if err != nil {
		return err
	}

	channelID, err := client.CreateChannel(ctx, feed.Name, feed.Description.String)
	if err != nil {
		return fmt.Errorf("failed to create destination channel: %w", err)
	}
	p.logger.Info("created destination channel",
		"feed_id", feed.ID, "channel_id", channelID)

	if bot, err := p.db.GetBot(ctx, payload.UserID); err == nil && bot.Status == models.BotActive {
		if err := client.PromoteBotAdmin(ctx, channelID, bot.BotUsername); err != nil {
			p.logger.Warn("failed to grant bot admin on new channel",
				"feed_id", feed.ID, "channel_id", channelID, "error", err)
		}
	}

	link, err := client.InviteLink(ctx, channelID)
	if err != nil {
		p.logger.Warn("failed to fetch invite link", "channel_id", channelID, "error", err)
	}

	if err := p.db.CreateFeedChannel(ctx, &models.FeedChannel{
		ID:                uuid.NewString(),
		FeedID:            feed.ID,
		TelegramChannelID: channelID,
		InviteLink:        link,
		Title:             feed.Name,
	}); err != nil {
		return err
	}

	p.activate(ctx, &feed, payload.UserID)

	if feed.FetchFromDate.Valid {
		// Kick off the historical fetch right away instead of waiting for
		// the first scheduled tick
		_, err := p.queue.Enqueue(ctx, queue.KindFetch, FetchPayload{
			FeedID: feed.ID,
			UserID: payload.UserID,
		}, queue.Options{Attempts: 3, Backoff: 10 * time.Second})
		if err != nil {
			p.logger.Error("failed to enqueue historical fetch", "feed_id", feed.ID, "error", err)
		}
	}
	return nil
}

func (p *Provisioner) activate(ctx context.Context, feed *models.Feed, userID string) {
	if err := p.db.SetFeedStatus(ctx, feed.ID, models.FeedActive); err != nil {
		p.logger.Error("failed to activate feed", "feed_id", feed.ID, "error", err)
		return
	}
	p.scheduler.Schedule(feed.ID, userID, time.Duration(feed.PollingIntervalSec)*time.Second)
}
