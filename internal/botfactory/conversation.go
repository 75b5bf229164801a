package botfactory

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/aggregram/internal/telegram"
)

// conversation is a synchronous request/reply exchange with one chat over the
// session client. The incoming handler is registered before anything is sent,
// so a fast reply can never slip past the waiter.
type conversation struct {
	client  telegram.Client
	chatID  int64
	timeout time.Duration
	replies chan telegram.Message
	remove  func()
}

func newConversation(client telegram.Client, chatID int64, timeout time.Duration) *conversation {
	c := &conversation{
		client:  client,
		chatID:  chatID,
		timeout: timeout,
		replies: make(chan telegram.Message, 8),
	}
	c.remove = client.OnIncoming(func(fromChat int64, msg telegram.Message) {
		if fromChat != chatID || msg.Text == "" {
			return
		}
		select {
		case c.replies <- msg:
		default:
		}
	})
	return c
}

// ask sends a message and waits for the next text reply from the chat.
// Replies that arrived before the send are discarded first, so each turn is
// paired with its own answer.
func (c *conversation) ask(ctx context.Context, text string) (string, error) {
	for {
		select {
		case <-c.replies:
			continue
		default:
		}
		break
	}

	if err := c.client.SendText(ctx, c.chatID, text); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case msg := <-c.replies:
		return msg.Text, nil
	case <-time.After(c.timeout):
		return "", ErrReplyTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *conversation) close() {
	c.remove()
}
