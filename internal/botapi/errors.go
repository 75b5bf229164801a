package botapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
)

// RateLimitError is a 429 from the Bot API carrying the server-provided
// retry-after. It is transient: the caller should retry after the delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// MessageGoneError means the source message no longer exists or cannot be
// accessed by the bot at all. Permanent for this item.
type MessageGoneError struct {
	Err error
}

func (e *MessageGoneError) Error() string { return fmt.Sprintf("message gone: %v", e.Err) }
func (e *MessageGoneError) Unwrap() error { return e.Err }

// CopyForbiddenError means the message exists but cannot be copied or
// forwarded by the bot (content protection, media restrictions). The session
// fallback may still succeed.
type CopyForbiddenError struct {
	Err error
}

func (e *CopyForbiddenError) Error() string { return fmt.Sprintf("copy forbidden: %v", e.Err) }
func (e *CopyForbiddenError) Unwrap() error { return e.Err }

// ChatInaccessibleError means the destination chat itself is unreachable:
// deleted, bot kicked, or posting rights revoked. Fatal for the whole batch.
type ChatInaccessibleError struct {
	Err error
}

func (e *ChatInaccessibleError) Error() string { return fmt.Sprintf("chat inaccessible: %v", e.Err) }
func (e *ChatInaccessibleError) Unwrap() error { return e.Err }

// classify maps raw Bot API errors onto the relay error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &RateLimitError{RetryAfter: time.Duration(tooMany.RetryAfter) * time.Second}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "retry after"):
		return &RateLimitError{RetryAfter: parseRetryAfter(msg)}
	case strings.Contains(msg, "message to copy not found"),
		strings.Contains(msg, "message to forward not found"),
		strings.Contains(msg, "message_id_invalid"),
		strings.Contains(msg, "message not found"):
		return &MessageGoneError{Err: err}
	case strings.Contains(msg, "can't be copied"),
		strings.Contains(msg, "can't be forwarded"),
		strings.Contains(msg, "wrong file identifier"):
		return &CopyForbiddenError{Err: err}
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "bot was kicked"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "chat_write_forbidden"),
		strings.Contains(msg, "bot is not a member"):
		return &ChatInaccessibleError{Err: err}
	}

	return err
}

func parseRetryAfter(msg string) time.Duration {
	var seconds int
	idx := strings.Index(msg, "retry after")
	if idx >= 0 {
		if _, err := fmt.Sscanf(msg[idx:], "retry after %d", &seconds); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 60 * time.Second
}

// IsRateLimit extracts the retry-after from a rate-limit error.
func IsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsMessageGone reports a permanently missing source message.
func IsMessageGone(err error) bool {
	var mg *MessageGoneError
	return errors.As(err, &mg)
}

// IsCopyForbidden reports a media-specific copy failure worth a session
// fallback.
func IsCopyForbidden(err error) bool {
	var cf *CopyForbiddenError
	return errors.As(err, &cf)
}

// IsChatInaccessible reports a fatal destination-channel error.
func IsChatInaccessible(err error) bool {
	var ci *ChatInaccessibleError
	return errors.As(err, &ci)
}
