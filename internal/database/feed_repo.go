package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/aggregram/pkg/models"
)

// FeedWithSources is a feed loaded together with its destination channel and
// sources, the shape both workers operate on.
type FeedWithSources struct {
	Feed        models.Feed
	Destination *models.FeedChannel
	Sources     []SourceWithChannel
}

// SourceWithChannel joins a feed source with its channel metadata.
type SourceWithChannel struct {
	Source  models.FeedSource
	Channel models.SourceChannel
}

// GetFeed returns a feed by id
func (db *DB) GetFeed(ctx context.Context, feedID string) (*models.Feed, error) {
	var feed models.Feed
	query := `SELECT * FROM feeds WHERE id = ?`
	err := db.GetContext(ctx, &feed, query, feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return &feed, nil
}

// GetFeedWithSources loads a feed with its destination channel and all of its
// sources. The destination is nil when no channel has been provisioned yet.
func (db *DB) GetFeedWithSources(ctx context.Context, feedID string) (*FeedWithSources, error) {
	feed, err := db.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}

	result := &FeedWithSources{Feed: *feed}

	var dest models.FeedChannel
	err = db.GetContext(ctx, &dest, `SELECT * FROM feed_channels WHERE feed_id = ?`, feedID)
	if err == nil {
		result.Destination = &dest
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get feed channel: %w", err)
	}

	var sources []models.FeedSource
	err = db.SelectContext(ctx, &sources, `SELECT * FROM feed_sources WHERE feed_id = ? ORDER BY added_at`, feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to get feed sources: %w", err)
	}

	for _, src := range sources {
		var ch models.SourceChannel
		err = db.GetContext(ctx, &ch, `SELECT * FROM source_channels WHERE id = ?`, src.SourceChannelID)
		if err != nil {
			return nil, fmt.Errorf("failed to get source channel: %w", err)
		}
		result.Sources = append(result.Sources, SourceWithChannel{Source: src, Channel: ch})
	}

	return result, nil
}

// GetActiveFeeds returns all feeds with status active
func (db *DB) GetActiveFeeds(ctx context.Context) ([]*models.Feed, error) {
	var feeds []*models.Feed
	query := `SELECT * FROM feeds WHERE status = ?`
	err := db.SelectContext(ctx, &feeds, query, models.FeedActive)
	if err != nil {
		return nil, fmt.Errorf("failed to get active feeds: %w", err)
	}
	return feeds, nil
}

// GetFeedChannelsByUser returns destination channels of all feeds owned by a user
func (db *DB) GetFeedChannelsByUser(ctx context.Context, userID string) ([]*models.FeedChannel, error) {
	var channels []*models.FeedChannel
	query := `
		SELECT c.* FROM feed_channels c
		JOIN feeds f ON c.feed_id = f.id
		WHERE f.user_id = ?
	`
	err := db.SelectContext(ctx, &channels, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get feed channels: %w", err)
	}
	return channels, nil
}

// CreateFeed inserts a feed row
func (db *DB) CreateFeed(ctx context.Context, feed *models.Feed) error {
	query := `
		INSERT INTO feeds (id, user_id, name, description, status, polling_interval_sec, fetch_from_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		feed.ID, feed.UserID, feed.Name, feed.Description, feed.Status,
		feed.PollingIntervalSec, feed.FetchFromDate, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create feed: %w", err)
	}
	feed.CreatedAt = now
	feed.UpdatedAt = now
	return nil
}

// SetFeedStatus updates a feed's status
func (db *DB) SetFeedStatus(ctx context.Context, feedID, status string) error {
	query := `UPDATE feeds SET status = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, status, time.Now(), feedID)
	if err != nil {
		return fmt.Errorf("failed to set feed status: %w", err)
	}
	return nil
}

// CreateSourceChannel inserts a source channel (ignores if already known)
func (db *DB) CreateSourceChannel(ctx context.Context, ch *models.SourceChannel) error {
	query := `
		INSERT OR IGNORE INTO source_channels (id, telegram_channel_id, username, title, member_count, protected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		ch.ID, ch.TelegramChannelID, ch.Username, ch.Title, ch.MemberCount, ch.Protected, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create source channel: %w", err)
	}
	return nil
}

// SetSourceChannelProtected records the opportunistically-discovered
// protected-content flag for a source channel.
func (db *DB) SetSourceChannelProtected(ctx context.Context, id string, protected bool) error {
	query := `UPDATE source_channels SET protected = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, protected, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set protected flag: %w", err)
	}
	return nil
}

// AddFeedSource links a source channel to a feed with a zero checkpoint
func (db *DB) AddFeedSource(ctx context.Context, src *models.FeedSource) error {
	query := `
		INSERT INTO feed_sources (id, feed_id, source_channel_id, last_message_id, added_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, src.ID, src.FeedID, src.SourceChannelID, src.LastMessageID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to add feed source: %w", err)
	}
	return nil
}

// AdvanceCheckpoint moves a source's checkpoint forward. The MAX() guard keeps
// the checkpoint monotonically non-decreasing even on out-of-order updates.
func (db *DB) AdvanceCheckpoint(ctx context.Context, feedSourceID string, messageID int64) error {
	query := `UPDATE feed_sources SET last_message_id = MAX(last_message_id, ?) WHERE id = ?`
	_, err := db.ExecContext(ctx, query, messageID, feedSourceID)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the current checkpoint of a feed source
func (db *DB) GetCheckpoint(ctx context.Context, feedSourceID string) (int64, error) {
	var id int64
	err := db.GetContext(ctx, &id, `SELECT last_message_id FROM feed_sources WHERE id = ?`, feedSourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return id, nil
}

// CreateFeedChannel stores the destination channel for a feed
func (db *DB) CreateFeedChannel(ctx context.Context, ch *models.FeedChannel) error {
	query := `
		INSERT INTO feed_channels (id, feed_id, telegram_channel_id, invite_link, title, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, ch.ID, ch.FeedID, ch.TelegramChannelID, ch.InviteLink, ch.Title, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create feed channel: %w", err)
	}
	return nil
}
