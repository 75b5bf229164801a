package aggregate

import (
	"context"

	"github.com/mixelka/aggregram/internal/queue"
	"github.com/mixelka/aggregram/internal/telegram"
)

// FetchPayload is the queue payload for one fetch run. JobID is empty when
// the run was triggered by the scheduler; the worker creates the job record.
type FetchPayload struct {
	FeedID string `json:"feed_id"`
	UserID string `json:"user_id"`
	JobID  string `json:"job_id,omitempty"`
}

// PostPayload carries the ordered relay batch to the post worker. It shares
// the aggregation job id with the fetch run that produced it.
type PostPayload struct {
	FeedID string      `json:"feed_id"`
	UserID string      `json:"user_id"`
	JobID  string      `json:"job_id"`
	Items  []RelayItem `json:"items"`
}

// ChannelPayload requests destination channel provisioning for a feed.
type ChannelPayload struct {
	FeedID string `json:"feed_id"`
	UserID string `json:"user_id"`
}

// RelayItem is one source message queued for relay into the destination.
type RelayItem struct {
	FeedSourceID    string `json:"feed_source_id"`
	SourceChannelID int64  `json:"source_channel_id"`
	SourceTitle     string `json:"source_title"`
	SourceUsername  string `json:"source_username,omitempty"`
	MessageID       int64  `json:"message_id"`
	Date            int64  `json:"date"` // unix seconds, ordering key
	Text            string `json:"text,omitempty"`
	HasMedia        bool   `json:"has_media"`
	MediaGroupID    int64  `json:"media_group_id,omitempty"`
}

// Sessions provides live session clients.
type Sessions interface {
	ClientFor(ctx context.Context, userID string) (telegram.Client, error)
}

// Enqueuer is the slice of the task queue the workers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any, opts queue.Options) (string, error)
}

// BotAPI is the posting-identity surface the relay engine drives.
type BotAPI interface {
	SendMessage(ctx context.Context, chatID int64, html string) (int64, error)
	CopyMessage(ctx context.Context, toChatID, fromChatID, messageID int64, caption string) (int64, error)
	CopyMessages(ctx context.Context, toChatID, fromChatID int64, messageIDs []int64) ([]int64, error)
	EditCaption(ctx context.Context, chatID, messageID int64, caption string) error
}

// BotSource hands out the Bot API client for a user's posting bot.
type BotSource interface {
	BotClient(ctx context.Context, userID string) (BotAPI, error)
}

// BotSourceFunc adapts a function to BotSource.
type BotSourceFunc func(ctx context.Context, userID string) (BotAPI, error)

func (f BotSourceFunc) BotClient(ctx context.Context, userID string) (BotAPI, error) {
	return f(ctx, userID)
}
