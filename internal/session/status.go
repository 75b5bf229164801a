package session

import (
	"context"
	"errors"

	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/pkg/models"
)

// midAuthSteps are steps that only make sense while an interactive
// authentication is actually in flight in this process.
var midAuthSteps = map[string]bool{
	models.StepAwaitingQRScan: true,
	models.StepAwaitingPhone:  true,
	models.StepAwaitingCode:   true,
	models.StepAwaiting2FA:    true,
	models.StepSettingUp:      true,
}

// ResumeHints tell the UI how to restart an interrupted wizard.
type ResumeHints struct {
	LastMethod  string `json:"last_method,omitempty"`
	PhoneMasked string `json:"phone_masked,omitempty"`
}

// Status is the reconciled view of a user's connection.
type Status struct {
	Step           string       `json:"step"`
	SessionStatus  string       `json:"session_status"`
	IsConnected    bool         `json:"is_connected"`
	TelegramUserID int64        `json:"telegram_user_id,omitempty"`
	PhoneMasked    string       `json:"phone_masked,omitempty"`
	QRCodeURL      string       `json:"qr_code_url,omitempty"`
	TwoFactorHint  string       `json:"two_factor_hint,omitempty"`
	SetupStages    []SetupStage `json:"setup_stages,omitempty"`
	Resume         *ResumeHints `json:"resume,omitempty"`
}

// GetStatus reconciles the persisted connection row with the live registry.
// A row stuck in a mid-auth step with no live auth context is demoted back to
// idle, with hints so the wizard can resume where it left off.
func (m *Manager) GetStatus(ctx context.Context, userID string) (*Status, error) {
	conn, err := m.db.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return &Status{Step: models.StepIdle, SessionStatus: models.SessionActive}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &Status{
		Step:          conn.AuthStep,
		SessionStatus: conn.SessionStatus,
		IsConnected:   conn.IsConnected(),
	}
	if conn.TelegramUserID.Valid {
		st.TelegramUserID = conn.TelegramUserID.Int64
	}
	if conn.PhoneNumber.Valid {
		// Legacy rows may hold the phone unencrypted
		phone := m.codec.DecryptOrPlaintext(conn.PhoneNumber.String)
		st.PhoneMasked = MaskPhone(phone)
	}

	e := m.lookup(userID)
	var live *authContext
	if e != nil {
		e.mu.Lock()
		live = e.auth
		if live != nil {
			st.QRCodeURL = live.qrURL
			st.TwoFactorHint = live.hint
		}
		st.SetupStages = append([]SetupStage(nil), e.setupStages...)
		e.mu.Unlock()
	}

	if midAuthSteps[conn.AuthStep] && live == nil {
		// The process restarted mid-wizard; the persisted step points at
		// state that no longer exists.
		st.Step = models.StepIdle
		st.Resume = &ResumeHints{PhoneMasked: st.PhoneMasked}
		if conn.LastAuthMethod.Valid {
			st.Resume.LastMethod = conn.LastAuthMethod.String
		}
		if err := m.db.UpdateAuthStep(ctx, userID, models.StepIdle); err != nil {
			m.logger.Warn("failed to demote stale auth step", "user_id", userID, "error", err)
		}
	}

	return st, nil
}
