package session

import (
	"context"
	"errors"
	"time"

	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/events"
	"github.com/mixelka/aggregram/pkg/models"
)

const (
	restorationBaseBackoff = time.Second
	restorationMaxBackoff  = time.Hour
)

// restorationBackoff computes the wait required after the given number of
// consecutive failures: 1s doubled per failure, capped at one hour.
func restorationBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 62 {
		return restorationMaxBackoff
	}
	d := restorationBaseBackoff << uint(failures)
	if d > restorationMaxBackoff || d <= 0 {
		return restorationMaxBackoff
	}
	return d
}

// RestoreSession attempts to bring a user's session back to life from the
// persisted state on disk. Returns true when a verified healthy client is
// registered afterwards. A false return with a nil error means restoration
// was skipped by one of the guards or the stored state is not restorable.
//
// Three guards keep restoration cheap under a thundering herd: an in-flight
// flag per user, a fixed cooldown between attempts, and a persisted
// exponential backoff that survives restarts.
func (m *Manager) RestoreSession(ctx context.Context, userID string) (bool, error) {
	conn, err := m.db.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !conn.IsConnected() {
		return false, nil
	}

	e := m.entryFor(userID)

	e.mu.Lock()
	if e.client != nil && e.auth == nil {
		e.mu.Unlock()
		return true, nil
	}
	if e.auth != nil {
		// Interactive authentication owns the session files right now
		e.mu.Unlock()
		return false, nil
	}
	if e.restoring {
		e.mu.Unlock()
		return false, nil
	}
	if !e.lastRestoreAttempt.IsZero() && time.Since(e.lastRestoreAttempt) < m.cfg.RestorationCooldown {
		e.mu.Unlock()
		return false, nil
	}
	if conn.LastRestorationAttemptAt.Valid {
		wait := restorationBackoff(conn.RestorationFailureCount)
		if time.Since(conn.LastRestorationAttemptAt.Time) < wait {
			e.mu.Unlock()
			m.logger.Debug("restoration backoff in effect",
				"user_id", userID,
				"failures", conn.RestorationFailureCount,
				"backoff", wait)
			return false, nil
		}
	}
	e.restoring = true
	e.lastRestoreAttempt = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.restoring = false
		e.mu.Unlock()
	}()

	ok, err := m.tryRestore(ctx, userID, e)
	if err != nil {
		return false, err
	}
	if !ok {
		if trackErr := m.db.TrackRestorationAttempt(ctx, userID, false); trackErr != nil {
			m.logger.Error("failed to record restoration failure", "user_id", userID, "error", trackErr)
		}
		if err := m.db.UpdateSessionStatus(ctx, userID, models.SessionExpired, models.StepIdle); err != nil {
			m.logger.Error("failed to mark session expired", "user_id", userID, "error", err)
		}
		m.bus.Publish(events.TopicSessionExpired, events.UserEvent{UserID: userID})
		m.logger.Warn("session restoration failed", "user_id", userID)
		return false, nil
	}

	if err := m.db.TrackRestorationAttempt(ctx, userID, true); err != nil {
		m.logger.Error("failed to record restoration success", "user_id", userID, "error", err)
	}
	m.logger.Info("session restored", "user_id", userID)
	return true, nil
}

// tryRestore builds a client from the stored session files and verifies it is
// actually authorized, bounded by the restoration timeout. The verification
// round trip catches sessions revoked from another device, which connect fine
// but fail on the first real call.
func (m *Manager) tryRestore(ctx context.Context, userID string, e *entry) (bool, error) {
	client, err := m.factory.New(userID)
	if err != nil {
		m.logger.Warn("failed to build client from stored session", "user_id", userID, "error", err)
		return false, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, m.cfg.RestorationTimeout)
	defer cancel()

	if err := client.Connect(verifyCtx); err != nil {
		_ = client.Close()
		m.logger.Warn("restored client failed to connect", "user_id", userID, "error", err)
		return false, nil
	}

	authorized, err := client.Authorized(verifyCtx)
	if err != nil || !authorized {
		_ = client.Close()
		return false, nil
	}
	if _, err := client.Self(verifyCtx); err != nil {
		_ = client.Close()
		m.logger.Warn("restored client failed health check", "user_id", userID, "error", err)
		return false, nil
	}

	e.mu.Lock()
	if e.client != nil {
		_ = e.client.Close()
	}
	e.client = client
	e.mu.Unlock()

	if err := m.db.TouchActivity(ctx, userID); err != nil {
		m.logger.Warn("failed to touch session activity", "user_id", userID, "error", err)
	}
	return true, nil
}

// RestoreAll attempts restoration for every connection that claims to be
// connected. Called once at startup so feeds resume without user action.
func (m *Manager) RestoreAll(ctx context.Context) {
	conns, err := m.db.GetConnectedUsers(ctx)
	if err != nil {
		m.logger.Error("failed to list connections for restoration", "error", err)
		return
	}
	for _, conn := range conns {
		if _, err := m.RestoreSession(ctx, conn.UserID); err != nil {
			m.logger.Error("startup restoration error", "user_id", conn.UserID, "error", err)
		}
	}
}

// StopAll closes every live client and empties the registry, the shutdown
// counterpart to RestoreAll. On-disk session state survives for the next
// start.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.removeEntry(id)
	}
	m.logger.Info("stopped session clients", "count", len(ids))
}
