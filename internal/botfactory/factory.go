package botfactory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mixelka/aggregram/internal/botapi"
	"github.com/mixelka/aggregram/internal/crypto"
	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/telegram"
	"github.com/mixelka/aggregram/pkg/models"
)

const (
	botFatherRef     = "@BotFather"
	botDisplayName   = "AggreGram Feed"
	usernamePrefix   = "agrgrm_"
	usernameSuffix   = "_bot"
	usernameAttempts = 5
	usernameCharset  = "abcdefghijklmnopqrstuvwxyz0123456789"

	defaultReplyTimeout = 30 * time.Second
	defaultSendDelay    = 1500 * time.Millisecond
)

var tokenRe = regexp.MustCompile(`(\d+:[A-Za-z0-9_-]+)`)

// ErrBotQuotaExceeded means the account already owns the maximum number of
// bots and one must be deleted via BotFather first.
var ErrBotQuotaExceeded = errors.New("bot quota exceeded, delete an existing bot via @BotFather first")

// ErrUsernameExhausted means every generated username candidate was rejected.
var ErrUsernameExhausted = errors.New("failed to register a bot username after all attempts")

// ErrReplyTimeout means BotFather did not answer within the per-turn timeout.
var ErrReplyTimeout = errors.New("timed out waiting for BotFather reply")

// Sessions provides the live session client used to talk to BotFather.
type Sessions interface {
	ClientFor(ctx context.Context, userID string) (telegram.Client, error)
}

// BotIdentity is the validated identity behind a bot token.
type BotIdentity struct {
	ID       int64
	Username string
}

// TokenValidator checks a freshly issued token against the Bot API.
type TokenValidator func(ctx context.Context, token string) (*BotIdentity, error)

// Factory provisions one dedicated posting bot per user by scripting the
// BotFather conversation over the user's own session.
type Factory struct {
	db       *database.DB
	codec    *crypto.Codec
	sessions Sessions
	logger   *slog.Logger

	validate     TokenValidator
	connect      func(ctx context.Context, token string) (*botapi.Client, error)
	replyTimeout time.Duration
	sendDelay    time.Duration

	mu      sync.Mutex
	clients map[string]*botapi.Client
}

// New creates a bot factory with the production token validator.
func New(db *database.DB, codec *crypto.Codec, sessions Sessions, logger *slog.Logger) *Factory {
	f := &Factory{
		db:           db,
		codec:        codec,
		sessions:     sessions,
		logger:       logger.With("component", "bot_factory"),
		replyTimeout: defaultReplyTimeout,
		sendDelay:    defaultSendDelay,
		clients:      make(map[string]*botapi.Client),
	}
	f.validate = func(ctx context.Context, token string) (*BotIdentity, error) {
		client, err := botapi.New(ctx, token, logger)
		if err != nil {
			return nil, err
		}
		me, err := client.Me(ctx)
		if err != nil {
			return nil, err
		}
		return &BotIdentity{ID: me.ID, Username: me.Username}, nil
	}
	f.connect = func(ctx context.Context, token string) (*botapi.Client, error) {
		return botapi.New(ctx, token, logger)
	}
	return f
}

// EnsureBot returns the user's active posting bot, creating one via BotFather
// when none exists. An existing active bot is reused; the admin grant on the
// user's feed channels is re-applied best effort either way.
func (f *Factory) EnsureBot(ctx context.Context, userID string) (*models.PostingBot, error) {
	existing, err := f.db.GetBot(ctx, userID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == models.BotActive {
		f.logger.Info("reusing existing bot", "user_id", userID, "bot_username", existing.BotUsername)
		f.syncBotToChannels(ctx, userID, existing.BotUsername)
		return existing, nil
	}

	client, err := f.sessions.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	token, username, err := f.converse(ctx, client)
	if err != nil {
		return nil, err
	}

	identity, err := f.validate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to validate bot token: %w", err)
	}

	encrypted, err := f.codec.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt bot token: %w", err)
	}
	bot := &models.PostingBot{
		UserID:        userID,
		BotToken:      encrypted,
		BotUsername:   username,
		BotTelegramID: identity.ID,
		Status:        models.BotActive,
	}
	if err := f.db.UpsertBot(ctx, bot); err != nil {
		return nil, err
	}
	f.logger.Info("created posting bot", "user_id", userID, "bot_username", username, "bot_id", identity.ID)

	f.syncBotToChannels(ctx, userID, username)
	return bot, nil
}

// converse runs the scripted BotFather dialogue and returns the issued token
// with the registered username.
func (f *Factory) converse(ctx context.Context, client telegram.Client) (token, username string, err error) {
	chat, err := client.ResolveChat(ctx, botFatherRef)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve BotFather: %w", err)
	}

	conv := newConversation(client, chat.ID, f.replyTimeout)
	defer conv.close()

	reply, err := conv.ask(ctx, "/newbot")
	if err != nil {
		return "", "", err
	}
	lower := strings.ToLower(reply)
	if strings.Contains(lower, "too many") || strings.Contains(lower, "limit") {
		return "", "", ErrBotQuotaExceeded
	}

	f.pause(ctx)
	if _, err := conv.ask(ctx, botDisplayName); err != nil {
		return "", "", err
	}

	for attempt := 0; attempt < usernameAttempts; attempt++ {
		candidate := generateUsername()

		f.pause(ctx)
		reply, err := conv.ask(ctx, candidate)
		if err != nil {
			return "", "", err
		}
		if m := tokenRe.FindStringSubmatch(reply); m != nil {
			return m[1], candidate, nil
		}
		f.logger.Warn("bot username rejected",
			"candidate", candidate,
			"attempt", attempt+1,
			"max_attempts", usernameAttempts)
	}
	return "", "", ErrUsernameExhausted
}

// syncBotToChannels grants the bot admin rights on every destination channel
// the user already has. Failures are logged and skipped: a channel the bot
// cannot join is handled again at posting time.
func (f *Factory) syncBotToChannels(ctx context.Context, userID, botUsername string) {
	channels, err := f.db.GetFeedChannelsByUser(ctx, userID)
	if err != nil {
		f.logger.Error("failed to list feed channels for bot sync", "user_id", userID, "error", err)
		return
	}
	if len(channels) == 0 {
		return
	}

	client, err := f.sessions.ClientFor(ctx, userID)
	if err != nil {
		f.logger.Warn("no session for bot channel sync", "user_id", userID, "error", err)
		return
	}
	for _, ch := range channels {
		if err := client.PromoteBotAdmin(ctx, ch.TelegramChannelID, botUsername); err != nil {
			f.logger.Warn("failed to grant bot admin on channel",
				"user_id", userID,
				"channel_id", ch.TelegramChannelID,
				"error", err)
			continue
		}
		f.logger.Info("granted bot admin on channel", "user_id", userID, "channel_id", ch.TelegramChannelID)
	}
}

// BotClient returns a Bot API client for the user's posting bot, caching one
// per user. The cache is invalidated when the bot is marked non-active.
func (f *Factory) BotClient(ctx context.Context, userID string) (*botapi.Client, error) {
	f.mu.Lock()
	if c, ok := f.clients[userID]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	bot, err := f.db.GetBot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bot.Status != models.BotActive {
		return nil, fmt.Errorf("posting bot for user is %s", bot.Status)
	}
	// Legacy rows may hold the token unencrypted
	token := f.codec.DecryptOrPlaintext(bot.BotToken)
	client, err := f.connect(ctx, token)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.clients[userID] = client
	f.mu.Unlock()
	return client, nil
}

// InvalidateBot drops the cached client and marks the bot revoked, forcing a
// fresh provisioning on the next setup.
func (f *Factory) InvalidateBot(ctx context.Context, userID string) error {
	f.mu.Lock()
	delete(f.clients, userID)
	f.mu.Unlock()
	return f.db.SetBotStatus(ctx, userID, models.BotRevoked)
}

func (f *Factory) pause(ctx context.Context) {
	select {
	case <-time.After(f.sendDelay):
	case <-ctx.Done():
	}
}

func generateUsername() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = usernameCharset[int(b)%len(usernameCharset)]
	}
	return usernamePrefix + string(buf) + usernameSuffix
}
