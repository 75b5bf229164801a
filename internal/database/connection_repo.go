package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/aggregram/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// GetConnection returns the session connection for a user
func (db *DB) GetConnection(ctx context.Context, userID string) (*models.SessionConnection, error) {
	var conn models.SessionConnection
	query := `SELECT * FROM session_connections WHERE user_id = ?`
	err := db.GetContext(ctx, &conn, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

// UpsertConnection inserts or updates the single connection row for a user
func (db *DB) UpsertConnection(ctx context.Context, conn *models.SessionConnection) error {
	query := `
		INSERT INTO session_connections (user_id, telegram_user_id, phone_number, session_status, auth_step, last_auth_method, restoration_state, restoration_failure_count, last_restoration_attempt_at, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			telegram_user_id = excluded.telegram_user_id,
			phone_number = excluded.phone_number,
			session_status = excluded.session_status,
			auth_step = excluded.auth_step,
			last_auth_method = excluded.last_auth_method,
			restoration_state = excluded.restoration_state,
			restoration_failure_count = excluded.restoration_failure_count,
			last_restoration_attempt_at = excluded.last_restoration_attempt_at,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		conn.UserID,
		conn.TelegramUserID,
		conn.PhoneNumber,
		conn.SessionStatus,
		conn.AuthStep,
		conn.LastAuthMethod,
		conn.RestorationState,
		conn.RestorationFailureCount,
		conn.LastRestorationAttemptAt,
		conn.LastActivityAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// UpdateAuthStep updates only the auth step of a connection
func (db *DB) UpdateAuthStep(ctx context.Context, userID, step string) error {
	query := `UPDATE session_connections SET auth_step = ?, updated_at = ? WHERE user_id = ?`
	_, err := db.ExecContext(ctx, query, step, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update auth step: %w", err)
	}
	return nil
}

// UpdateSessionStatus updates the session status and auth step together
func (db *DB) UpdateSessionStatus(ctx context.Context, userID, status, step string) error {
	query := `UPDATE session_connections SET session_status = ?, auth_step = ?, updated_at = ? WHERE user_id = ?`
	_, err := db.ExecContext(ctx, query, status, step, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// TrackRestorationAttempt records the outcome of a session restoration attempt.
// Success resets the failure counter; failure increments it and stamps the
// attempt time used by the exponential backoff.
func (db *DB) TrackRestorationAttempt(ctx context.Context, userID string, success bool) error {
	now := time.Now()
	var query string
	if success {
		query = `UPDATE session_connections SET restoration_state = 'none', restoration_failure_count = 0, last_activity_at = ?, updated_at = ? WHERE user_id = ?`
	} else {
		query = `UPDATE session_connections SET restoration_state = 'failed', restoration_failure_count = restoration_failure_count + 1, last_restoration_attempt_at = ?, updated_at = ? WHERE user_id = ?`
	}
	_, err := db.ExecContext(ctx, query, now, now, userID)
	if err != nil {
		return fmt.Errorf("failed to track restoration attempt: %w", err)
	}
	return nil
}

// GetConnectedUsers returns every connection in the fully connected state
func (db *DB) GetConnectedUsers(ctx context.Context) ([]models.SessionConnection, error) {
	var conns []models.SessionConnection
	query := `SELECT * FROM session_connections WHERE auth_step = ? AND session_status = ?`
	if err := db.SelectContext(ctx, &conns, query, models.StepConnected, models.SessionActive); err != nil {
		return nil, fmt.Errorf("failed to list connected users: %w", err)
	}
	return conns, nil
}

// TouchActivity updates the last activity timestamp
func (db *DB) TouchActivity(ctx context.Context, userID string) error {
	query := `UPDATE session_connections SET last_activity_at = ?, updated_at = ? WHERE user_id = ?`
	now := time.Now()
	_, err := db.ExecContext(ctx, query, now, now, userID)
	if err != nil {
		return fmt.Errorf("failed to touch activity: %w", err)
	}
	return nil
}

// SetTelegramUserID stores the external account id after successful auth
func (db *DB) SetTelegramUserID(ctx context.Context, userID string, telegramUserID int64) error {
	query := `UPDATE session_connections SET telegram_user_id = ?, updated_at = ? WHERE user_id = ?`
	_, err := db.ExecContext(ctx, query, telegramUserID, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to set telegram user id: %w", err)
	}
	return nil
}
