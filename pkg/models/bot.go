package models

import "time"

// Posting bot status values
const (
	BotCreating = "creating"
	BotActive   = "active"
	BotRevoked  = "revoked"
	BotError    = "error"
)

// PostingBot represents the dedicated bot identity created for a user via
// BotFather. At most one active bot exists per user; it is reused on reconnect.
type PostingBot struct {
	ID            int64     `db:"id"`
	UserID        string    `db:"user_id"`
	BotToken      string    `db:"bot_token"` // encrypted at rest
	BotUsername   string    `db:"bot_username"`
	BotTelegramID int64     `db:"bot_telegram_id"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}
