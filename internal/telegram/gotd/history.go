package gotd

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/gotd/td/tg"

	"github.com/mixelka/aggregram/internal/telegram"
)

// History returns up to limit messages with id strictly greater than sinceID,
// oldest first.
func (c *Client) History(ctx context.Context, channelID int64, sinceID int64, limit int) ([]telegram.Message, error) {
	peer, err := c.inputChannelPeer(ctx, channelID)
	if err != nil {
		return nil, err
	}

	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		MinID: int(sinceID),
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", wrapErr(err))
	}

	msgs := extractMessages(res)
	filtered := msgs[:0]
	for _, m := range msgs {
		if m.ID > sinceID {
			filtered = append(filtered, m)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })
	return filtered, nil
}

// HistoryBefore returns up to limit messages with id strictly smaller than
// beforeID, newest first. beforeID zero starts from the newest message.
func (c *Client) HistoryBefore(ctx context.Context, channelID int64, beforeID int64, limit int) ([]telegram.Message, error) {
	peer, err := c.inputChannelPeer(ctx, channelID)
	if err != nil {
		return nil, err
	}

	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(beforeID),
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", wrapErr(err))
	}

	msgs := extractMessages(res)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	return msgs, nil
}

// ForwardMessages forwards messages between channels over the session,
// preserving order.
func (c *Client) ForwardMessages(ctx context.Context, fromChannelID, toChannelID int64, ids []int64) error {
	from, err := c.inputChannelPeer(ctx, fromChannelID)
	if err != nil {
		return err
	}
	to, err := c.inputChannelPeer(ctx, toChannelID)
	if err != nil {
		return err
	}

	intIDs := make([]int, len(ids))
	randomIDs := make([]int64, len(ids))
	for i, id := range ids {
		intIDs[i] = int(id)
		randomIDs[i] = rand.Int63()
	}

	_, err = c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ToPeer:   to,
		ID:       intIDs,
		RandomID: randomIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to forward messages: %w", wrapErr(err))
	}
	return nil
}

// SendText sends a plain text message to a chat.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	peer, err := c.inputPeer(ctx, chatID)
	if err != nil {
		return err
	}
	_, err = c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int63(),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", wrapErr(err))
	}
	return nil
}

func extractMessages(res tg.MessagesMessagesClass) []telegram.Message {
	var raw []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesMessages:
		raw = v.Messages
	case *tg.MessagesMessagesSlice:
		raw = v.Messages
	case *tg.MessagesChannelMessages:
		raw = v.Messages
	default:
		return nil
	}

	out := make([]telegram.Message, 0, len(raw))
	for _, mc := range raw {
		m, ok := mc.(*tg.Message)
		if !ok {
			continue // service messages carry nothing worth relaying
		}
		out = append(out, convertMessage(m))
	}
	return out
}
