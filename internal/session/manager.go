package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/aggregram/internal/crypto"
	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/events"
	"github.com/mixelka/aggregram/internal/telegram"
	"github.com/mixelka/aggregram/pkg/models"
)

// ErrReauthRequired signals that the session cannot be restored silently and
// the user must go through the connection wizard again.
var ErrReauthRequired = errors.New("telegram session expired, re-authentication required")

// ErrNoPendingStep is returned when a secret is submitted but no step is
// awaiting input for this user.
var ErrNoPendingStep = errors.New("no pending authentication step for this user")

// BotProvisioner creates or reuses the user's posting bot during setup.
type BotProvisioner interface {
	EnsureBot(ctx context.Context, userID string) (*models.PostingBot, error)
}

// Config tunes the manager's restoration guards.
type Config struct {
	// RestorationCooldown is the fixed minimum gap between restoration
	// attempts for one user, independent of the failure backoff.
	RestorationCooldown time.Duration
	// RestorationTimeout bounds the wait for a restored client to become
	// verified healthy.
	RestorationTimeout time.Duration
}

// Manager owns every user's live session client and drives the
// authentication state machine. All per-user client handles live in its
// registry; removing an entry also releases its auth context.
type Manager struct {
	db      *database.DB
	factory telegram.Factory
	codec   *crypto.Codec
	bus     *events.Bus
	logger  *slog.Logger
	cfg     Config

	provisioner BotProvisioner

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the in-memory state for one user's live session.
type entry struct {
	mu     sync.Mutex
	client telegram.Client
	auth   *authContext

	restoring          bool
	lastRestoreAttempt time.Time

	setupStages []SetupStage
}

// authContext tracks an interactive authentication in flight.
type authContext struct {
	step   string
	method string
	qrURL  string
	hint   string
	// qrWaiters are callers blocked on the next QR challenge; each is
	// resolved exactly once per republished challenge.
	qrWaiters []chan string
	cancel    context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(db *database.DB, factory telegram.Factory, codec *crypto.Codec, bus *events.Bus, cfg Config, logger *slog.Logger) *Manager {
	if cfg.RestorationCooldown <= 0 {
		cfg.RestorationCooldown = 60 * time.Second
	}
	if cfg.RestorationTimeout <= 0 {
		cfg.RestorationTimeout = 10 * time.Second
	}
	return &Manager{
		db:      db,
		factory: factory,
		codec:   codec,
		bus:     bus,
		logger:  logger.With("component", "session_manager"),
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// SetProvisioner wires the bot provisioner used by the setup sequence. Set
// once at startup, before any authentication completes.
func (m *Manager) SetProvisioner(p BotProvisioner) {
	m.provisioner = p
}

func (m *Manager) entryFor(userID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		e = &entry{}
		m.entries[userID] = e
	}
	return e
}

func (m *Manager) lookup(userID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[userID]
}

// removeEntry closes the live client and releases the auth context, dropping
// any registered listeners with it.
func (m *Manager) removeEntry(userID string) {
	m.mu.Lock()
	e := m.entries[userID]
	delete(m.entries, userID)
	m.mu.Unlock()

	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.auth != nil && e.auth.cancel != nil {
		e.auth.cancel()
	}
	e.auth = nil
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			m.logger.Debug("error closing client", "user_id", userID, "error", err)
		}
		e.client = nil
	}
}

// InitResult describes the step reached by InitConnection.
type InitResult struct {
	Step      string
	QRCodeURL string
}

// InitConnection starts the connection wizard for a user. Any previous live
// client and on-disk session state is torn down first, so repeated calls are
// idempotent and the process keeps the single-writer guarantee for the
// session files.
func (m *Manager) InitConnection(ctx context.Context, userID, method string) (*InitResult, error) {
	if method != "qr" && method != "phone" {
		return nil, fmt.Errorf("unknown auth method %q", method)
	}

	// Upsert the connection row
	conn, err := m.db.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		conn = &models.SessionConnection{
			UserID:           userID,
			SessionStatus:    models.SessionActive,
			AuthStep:         models.StepIdle,
			RestorationState: models.RestorationNone,
		}
	} else if err != nil {
		return nil, err
	}
	conn.AuthStep = models.StepIdle
	conn.SessionStatus = models.SessionActive
	conn.LastAuthMethod = sql.NullString{String: method, Valid: true}
	if err := m.db.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	// Tear down any stale client and wipe persisted session state
	m.removeEntry(userID)
	if err := m.factory.DeleteState(userID); err != nil {
		return nil, fmt.Errorf("failed to reset session state: %w", err)
	}

	client, err := m.factory.New(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect session client: %w", err)
	}

	e := m.entryFor(userID)
	authCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.client = client
	e.auth = &authContext{step: models.StepIdle, method: method, cancel: cancel}
	e.mu.Unlock()

	if method == "qr" {
		qrURL, err := m.startQRAuth(ctx, authCtx, userID, e, client)
		if err != nil {
			return nil, err
		}
		if err := m.db.UpdateAuthStep(ctx, userID, models.StepAwaitingQRScan); err != nil {
			return nil, err
		}
		return &InitResult{Step: models.StepAwaitingQRScan, QRCodeURL: qrURL}, nil
	}

	m.setAuthStep(e, models.StepAwaitingPhone)
	if err := m.db.UpdateAuthStep(ctx, userID, models.StepAwaitingPhone); err != nil {
		return nil, err
	}
	return &InitResult{Step: models.StepAwaitingPhone}, nil
}

// startQRAuth begins QR login and spawns the republish loop. The first
// challenge is awaited synchronously so the caller gets a scannable code.
func (m *Manager) startQRAuth(ctx context.Context, runCtx context.Context, userID string, e *entry, client telegram.Client) (string, error) {
	tokens, err := client.BeginQRAuth(runCtx)
	if err != nil {
		return "", fmt.Errorf("failed to start QR authentication: %w", err)
	}

	var first string
	select {
	case tok, ok := <-tokens:
		if !ok {
			return "", fmt.Errorf("QR challenge stream closed before first challenge")
		}
		first = tok.URL
	case <-ctx.Done():
		return "", &telegram.AuthError{Kind: telegram.AuthTimeout, Err: ctx.Err()}
	}

	e.mu.Lock()
	if e.auth != nil {
		e.auth.step = models.StepAwaitingQRScan
		e.auth.qrURL = first
	}
	e.mu.Unlock()

	// Republish loop: the client pushes a fresh challenge when the old one
	// expires; each one resolves pending waiters exactly once and the
	// stream closing means the QR was scanned.
	go func() {
		for tok := range tokens {
			m.publishQRChallenge(e, tok.URL)
			m.logger.Debug("QR challenge refreshed", "user_id", userID)
		}
		if err := client.WaitAuthorized(runCtx); err != nil {
			if runCtx.Err() != nil {
				return
			}
			if errors.Is(err, telegram.ErrPasswordNeeded) {
				// Scanned, but the account has 2FA enabled
				m.setAuthStep(e, models.StepAwaiting2FA)
				if dbErr := m.db.UpdateAuthStep(context.Background(), userID, models.StepAwaiting2FA); dbErr != nil {
					m.logger.Error("failed to persist auth step", "user_id", userID, "error", dbErr)
				}
				return
			}
			m.logger.Warn("QR authorization failed", "user_id", userID, "error", err)
			m.setAuthStep(e, models.StepError)
			return
		}
		m.onAuthComplete(userID)
	}()

	return first, nil
}

func (m *Manager) publishQRChallenge(e *entry, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.auth == nil {
		return
	}
	e.auth.qrURL = url
	waiters := e.auth.qrWaiters
	e.auth.qrWaiters = nil
	for _, w := range waiters {
		w <- url
		close(w)
	}
}

// WaitQRChallenge blocks until the next QR challenge is republished, so a
// poller can refresh an expired code without re-running InitConnection.
func (m *Manager) WaitQRChallenge(ctx context.Context, userID string) (string, error) {
	e := m.lookup(userID)
	if e == nil {
		return "", ErrNoPendingStep
	}

	e.mu.Lock()
	if e.auth == nil || e.auth.step != models.StepAwaitingQRScan {
		e.mu.Unlock()
		return "", ErrNoPendingStep
	}
	w := make(chan string, 1)
	e.auth.qrWaiters = append(e.auth.qrWaiters, w)
	e.mu.Unlock()

	select {
	case url := <-w:
		return url, nil
	case <-ctx.Done():
		return "", &telegram.AuthError{Kind: telegram.AuthTimeout, Err: ctx.Err()}
	}
}

// SubmitPhone feeds the phone number into an authentication awaiting it.
func (m *Manager) SubmitPhone(ctx context.Context, userID, phone string) (string, error) {
	e, client, err := m.pendingStep(userID, models.StepAwaitingPhone)
	if err != nil {
		return "", err
	}

	encrypted, err := m.codec.Encrypt(phone)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt phone number: %w", err)
	}
	conn, err := m.db.GetConnection(ctx, userID)
	if err != nil {
		return "", err
	}
	conn.PhoneNumber = sql.NullString{String: encrypted, Valid: true}
	if err := m.db.UpsertConnection(ctx, conn); err != nil {
		return "", err
	}

	if err := client.BeginPhoneAuth(ctx, phone); err != nil {
		return "", err
	}

	m.setAuthStep(e, models.StepAwaitingCode)
	if err := m.db.UpdateAuthStep(ctx, userID, models.StepAwaitingCode); err != nil {
		return "", err
	}
	return MaskPhone(phone), nil
}

// SubmitCodeResult describes the step after a login code was accepted.
type SubmitCodeResult struct {
	Step          string
	TwoFactorHint string
}

// SubmitCode feeds the login code into an authentication awaiting it.
func (m *Manager) SubmitCode(ctx context.Context, userID, code string) (*SubmitCodeResult, error) {
	e, client, err := m.pendingStep(userID, models.StepAwaitingCode)
	if err != nil {
		return nil, err
	}

	result, err := client.SubmitCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if result.Needs2FA {
		e.mu.Lock()
		if e.auth != nil {
			e.auth.step = models.StepAwaiting2FA
			e.auth.hint = result.Hint
		}
		e.mu.Unlock()
		if err := m.db.UpdateAuthStep(ctx, userID, models.StepAwaiting2FA); err != nil {
			return nil, err
		}
		return &SubmitCodeResult{Step: models.StepAwaiting2FA, TwoFactorHint: result.Hint}, nil
	}

	m.setAuthStep(e, models.StepSettingUp)
	if err := m.db.UpdateAuthStep(ctx, userID, models.StepSettingUp); err != nil {
		return nil, err
	}
	go m.onAuthComplete(userID)
	return &SubmitCodeResult{Step: models.StepSettingUp}, nil
}

// Submit2FA feeds the 2FA password into an authentication awaiting it.
func (m *Manager) Submit2FA(ctx context.Context, userID, password string) (string, error) {
	e, client, err := m.pendingStep(userID, models.StepAwaiting2FA)
	if err != nil {
		return "", err
	}

	if err := client.SubmitPassword(ctx, password); err != nil {
		return "", err
	}

	m.setAuthStep(e, models.StepSettingUp)
	if err := m.db.UpdateAuthStep(ctx, userID, models.StepSettingUp); err != nil {
		return "", err
	}
	go m.onAuthComplete(userID)
	return models.StepSettingUp, nil
}

// Disconnect tears down the live client and marks the session revoked.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	m.removeEntry(userID)
	err := m.db.UpdateSessionStatus(ctx, userID, models.SessionRevoked, models.StepIdle)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	m.logger.Info("disconnected session", "user_id", userID)
	return nil
}

// ClientFor returns the user's live session client, restoring it from disk
// when possible. Returns ErrReauthRequired when silent restoration fails.
func (m *Manager) ClientFor(ctx context.Context, userID string) (telegram.Client, error) {
	if e := m.lookup(userID); e != nil {
		e.mu.Lock()
		client := e.client
		authPending := e.auth != nil
		step := ""
		if authPending {
			step = e.auth.step
		}
		e.mu.Unlock()
		if client != nil && !authPending {
			return client, nil
		}
		if client != nil && authPending && step == models.StepConnected {
			return client, nil
		}
		if authPending && step != models.StepConnected {
			// Interactive authentication in flight; never restore over it
			return nil, ErrReauthRequired
		}
	}

	restored, err := m.RestoreSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !restored {
		return nil, ErrReauthRequired
	}
	e := m.lookup(userID)
	if e == nil {
		return nil, ErrReauthRequired
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, ErrReauthRequired
	}
	return e.client, nil
}

func (m *Manager) pendingStep(userID, step string) (*entry, telegram.Client, error) {
	e := m.lookup(userID)
	if e == nil {
		return nil, nil, ErrNoPendingStep
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.auth == nil || e.auth.step != step || e.client == nil {
		return nil, nil, ErrNoPendingStep
	}
	return e, e.client, nil
}

func (m *Manager) setAuthStep(e *entry, step string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.auth != nil {
		e.auth.step = step
	}
}

// MaskPhone hides the middle digits of a phone number for display.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return "****"
	}
	visible := phone[:4]
	last := phone[len(phone)-2:]
	masked := make([]byte, len(phone)-6)
	for i := range masked {
		masked[i] = '*'
	}
	return visible + string(masked) + last
}
