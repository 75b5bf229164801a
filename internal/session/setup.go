package session

import (
	"context"
	"time"

	"github.com/mixelka/aggregram/internal/events"
	"github.com/mixelka/aggregram/pkg/models"
)

// Setup stage identifiers, in execution order.
const (
	StageSessionConnected = "session_connected"
	StageCreatingBot      = "creating_bot"
	StageFinalizing       = "finalizing"
)

// Setup stage statuses.
const (
	StagePending    = "pending"
	StageInProgress = "in_progress"
	StageCompleted  = "completed"
	StageError      = "error"
)

// SetupStage is one observable step of the post-authentication setup.
type SetupStage struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const setupTimeout = 3 * time.Minute

// onAuthComplete runs after the MTProto authorization succeeds, on either
// path (QR scan, code, or 2FA). It records the account identity and drives
// the setup sequence to a terminal state.
func (m *Manager) onAuthComplete(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	e := m.lookup(userID)
	if e == nil {
		return
	}
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return
	}

	self, err := client.Self(ctx)
	if err != nil {
		m.logger.Error("failed to fetch account identity after auth", "user_id", userID, "error", err)
		m.failSetup(ctx, userID, e, StageSessionConnected, err.Error())
		return
	}
	if err := m.db.SetTelegramUserID(ctx, userID, self.ID); err != nil {
		m.logger.Error("failed to store telegram user id", "user_id", userID, "error", err)
	}
	if err := m.db.TouchActivity(ctx, userID); err != nil {
		m.logger.Warn("failed to touch session activity", "user_id", userID, "error", err)
	}
	if err := m.db.UpdateAuthStep(ctx, userID, models.StepSettingUp); err != nil {
		m.logger.Error("failed to update auth step", "user_id", userID, "error", err)
	}
	m.setAuthStep(e, models.StepSettingUp)
	m.bus.Publish(events.TopicAuthSuccess, events.UserEvent{UserID: userID})
	m.logger.Info("telegram authorization complete", "user_id", userID, "telegram_id", self.ID)

	m.runSetup(ctx, userID, e)
}

// runSetup executes the observable setup stages. A failed stage stops the
// sequence without rolling back the ones already completed, so a retry picks
// up a valid session and reuses the bot if it was created.
func (m *Manager) runSetup(ctx context.Context, userID string, e *entry) {
	stages := []SetupStage{
		{ID: StageSessionConnected, Status: StagePending},
		{ID: StageCreatingBot, Status: StagePending},
		{ID: StageFinalizing, Status: StagePending},
	}
	setStage := func(i int, status, errMsg string) {
		stages[i].Status = status
		stages[i].Error = errMsg
		e.mu.Lock()
		e.setupStages = append([]SetupStage(nil), stages...)
		e.mu.Unlock()
		m.bus.Publish(events.TopicSetupProgress, events.UserEvent{UserID: userID})
	}

	setStage(0, StageCompleted, "")

	setStage(1, StageInProgress, "")
	if m.provisioner != nil {
		if _, err := m.provisioner.EnsureBot(ctx, userID); err != nil {
			m.logger.Error("bot provisioning failed", "user_id", userID, "error", err)
			setStage(1, StageError, err.Error())
			m.markSetupError(ctx, userID)
			return
		}
	}
	setStage(1, StageCompleted, "")

	setStage(2, StageInProgress, "")
	if err := m.db.UpdateSessionStatus(ctx, userID, models.SessionActive, models.StepConnected); err != nil {
		m.logger.Error("failed to finalize connection", "user_id", userID, "error", err)
		setStage(2, StageError, err.Error())
		m.markSetupError(ctx, userID)
		return
	}
	setStage(2, StageCompleted, "")

	// Authentication is done; drop the interactive context but keep the
	// live client registered.
	e.mu.Lock()
	if e.auth != nil && e.auth.cancel != nil {
		e.auth.cancel()
	}
	e.auth = nil
	e.mu.Unlock()

	m.bus.Publish(events.TopicSetupComplete, events.UserEvent{UserID: userID})
	m.logger.Info("setup complete", "user_id", userID)
}

func (m *Manager) failSetup(ctx context.Context, userID string, e *entry, stage, errMsg string) {
	e.mu.Lock()
	e.setupStages = []SetupStage{{ID: stage, Status: StageError, Error: errMsg}}
	e.mu.Unlock()
	m.markSetupError(ctx, userID)
}

func (m *Manager) markSetupError(ctx context.Context, userID string) {
	if err := m.db.UpdateAuthStep(ctx, userID, models.StepError); err != nil {
		m.logger.Error("failed to mark setup error", "user_id", userID, "error", err)
	}
	if e := m.lookup(userID); e != nil {
		m.setAuthStep(e, models.StepError)
	}
}
