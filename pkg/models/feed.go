package models

import (
	"database/sql"
	"time"
)

// Feed status values
const (
	FeedDraft  = "draft"
	FeedActive = "active"
	FeedPaused = "paused"
	FeedError  = "error"
)

// Feed is one user-configured aggregation into a single destination channel.
type Feed struct {
	ID                 string        `db:"id"`
	UserID             string        `db:"user_id"`
	Name               string        `db:"name"`
	Description        sql.NullString `db:"description"`
	Status             string        `db:"status"`
	PollingIntervalSec int           `db:"polling_interval_sec"`
	FetchFromDate      sql.NullTime  `db:"fetch_from_date"` // optional historical fetch start
	CreatedAt          time.Time     `db:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at"`
}

// SourceChannel is a public channel messages are aggregated from.
// The protected flag is discovered opportunistically during fetches.
type SourceChannel struct {
	ID                string         `db:"id"`
	TelegramChannelID int64          `db:"telegram_channel_id"`
	Username          sql.NullString `db:"username"`
	Title             string         `db:"title"`
	MemberCount       sql.NullInt64  `db:"member_count"`
	Protected         bool           `db:"protected"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// FeedSource links a feed to a source channel and carries the per-source
// checkpoint. LastMessageID is monotonically non-decreasing and only resets
// when the source is removed and re-added.
type FeedSource struct {
	ID              string    `db:"id"`
	FeedID          string    `db:"feed_id"`
	SourceChannelID string    `db:"source_channel_id"`
	LastMessageID   int64     `db:"last_message_id"`
	AddedAt         time.Time `db:"added_at"`
}

// FeedChannel is the destination channel a feed posts into.
type FeedChannel struct {
	ID                string    `db:"id"`
	FeedID            string    `db:"feed_id"`
	TelegramChannelID int64     `db:"telegram_channel_id"`
	InviteLink        string    `db:"invite_link"`
	Title             string    `db:"title"`
	CreatedAt         time.Time `db:"created_at"`
}
