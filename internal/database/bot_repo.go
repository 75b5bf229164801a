package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/aggregram/pkg/models"
)

// GetBot returns the posting bot for a user
func (db *DB) GetBot(ctx context.Context, userID string) (*models.PostingBot, error) {
	var bot models.PostingBot
	query := `SELECT * FROM posting_bots WHERE user_id = ?`
	err := db.GetContext(ctx, &bot, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return &bot, nil
}

// UpsertBot inserts or updates the posting bot row for a user
func (db *DB) UpsertBot(ctx context.Context, bot *models.PostingBot) error {
	query := `
		INSERT INTO posting_bots (user_id, bot_token, bot_username, bot_telegram_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			bot_token = excluded.bot_token,
			bot_username = excluded.bot_username,
			bot_telegram_id = excluded.bot_telegram_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		bot.UserID,
		bot.BotToken,
		bot.BotUsername,
		bot.BotTelegramID,
		bot.Status,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bot: %w", err)
	}
	return nil
}

// SetBotStatus updates the status of a user's posting bot
func (db *DB) SetBotStatus(ctx context.Context, userID, status string) error {
	query := `UPDATE posting_bots SET status = ?, updated_at = ? WHERE user_id = ?`
	_, err := db.ExecContext(ctx, query, status, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to set bot status: %w", err)
	}
	return nil
}
