package botapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Client wraps the Bot API for a single posting bot token. It is the
// posting-identity surface: everything the relay engine does through the
// user's dedicated bot goes through here.
type Client struct {
	b      *bot.Bot
	logger *slog.Logger
}

// New creates a client for a bot token. The token is validated against the
// Bot API before the client is returned.
func New(ctx context.Context, token string, logger *slog.Logger) (*Client, error) {
	// bot.New performs a getMe call, which doubles as credential validation
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to validate bot token: %w", err)
	}
	return &Client{b: b, logger: logger.With("component", "botapi")}, nil
}

// Me returns the bot's own identity.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	me, err := c.b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot identity: %w", err)
	}
	return me, nil
}

// SendMessage posts an HTML-formatted text message.
func (c *Client) SendMessage(ctx context.Context, chatID int64, html string) (int64, error) {
	msg, err := c.b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      html,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return 0, classify(err)
	}
	return int64(msg.ID), nil
}

// CopyMessage reposts a single message without a forward header, replacing
// its caption.
func (c *Client) CopyMessage(ctx context.Context, toChatID, fromChatID, messageID int64, caption string) (int64, error) {
	id, err := c.b.CopyMessage(ctx, &bot.CopyMessageParams{
		ChatID:     toChatID,
		FromChatID: fromChatID,
		MessageID:  int(messageID),
		Caption:    caption,
		ParseMode:  models.ParseModeHTML,
	})
	if err != nil {
		return 0, classify(err)
	}
	return int64(id.ID), nil
}

// CopyMessages reposts an album as one multi-attachment unit. Returns the new
// message ids in order.
func (c *Client) CopyMessages(ctx context.Context, toChatID, fromChatID int64, messageIDs []int64) ([]int64, error) {
	ids := make([]int, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = int(id)
	}
	copied, err := c.b.CopyMessages(ctx, &bot.CopyMessagesParams{
		ChatID:     toChatID,
		FromChatID: fromChatID,
		MessageIDs: ids,
	})
	if err != nil {
		return nil, classify(err)
	}
	out := make([]int64, len(copied))
	for i, id := range copied {
		out[i] = int64(id.ID)
	}
	return out, nil
}

// ForwardMessage forwards a message with its forward header preserved.
func (c *Client) ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID int64) (int64, error) {
	msg, err := c.b.ForwardMessage(ctx, &bot.ForwardMessageParams{
		ChatID:     toChatID,
		FromChatID: fromChatID,
		MessageID:  int(messageID),
	})
	if err != nil {
		return 0, classify(err)
	}
	return int64(msg.ID), nil
}

// EditCaption replaces the caption of a message the bot posted.
func (c *Client) EditCaption(ctx context.Context, chatID, messageID int64, caption string) error {
	_, err := c.b.EditMessageCaption(ctx, &bot.EditMessageCaptionParams{
		ChatID:    chatID,
		MessageID: int(messageID),
		Caption:   caption,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}
