package models

import (
	"database/sql"
	"time"
)

// Session status values
const (
	SessionActive  = "active"
	SessionExpired = "expired"
	SessionRevoked = "revoked"
)

// Authentication wizard steps
const (
	StepIdle           = "idle"
	StepAwaitingQRScan = "awaiting_qr_scan"
	StepAwaitingPhone  = "awaiting_phone"
	StepAwaitingCode   = "awaiting_code"
	StepAwaiting2FA    = "awaiting_2fa"
	StepSettingUp      = "setting_up"
	StepConnected      = "connected"
	StepError          = "error"
)

// Restoration states
const (
	RestorationNone       = "none"
	RestorationPending    = "pending"
	RestorationInProgress = "in_progress"
	RestorationFailed     = "failed"
)

// SessionConnection represents a user's Telegram account connection.
// At most one row exists per user.
type SessionConnection struct {
	ID                       int64          `db:"id"`
	UserID                   string         `db:"user_id"`
	TelegramUserID           sql.NullInt64  `db:"telegram_user_id"` // set after successful auth
	PhoneNumber              sql.NullString `db:"phone_number"`     // encrypted at rest
	SessionStatus            string         `db:"session_status"`
	AuthStep                 string         `db:"auth_step"`
	LastAuthMethod           sql.NullString `db:"last_auth_method"` // "qr" or "phone"
	RestorationState         string         `db:"restoration_state"`
	RestorationFailureCount  int            `db:"restoration_failure_count"`
	LastRestorationAttemptAt sql.NullTime   `db:"last_restoration_attempt_at"`
	LastActivityAt           sql.NullTime   `db:"last_activity_at"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
}

// IsConnected reports whether the connection is fully authenticated and the
// session has not been expired or revoked.
func (c *SessionConnection) IsConnected() bool {
	return c.AuthStep == StepConnected && c.SessionStatus == SessionActive
}
