package botfactory

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/aggregram/internal/botapi"
	"github.com/mixelka/aggregram/internal/crypto"
	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/telegram"
	"github.com/mixelka/aggregram/pkg/models"
)

const botFatherChatID int64 = 93372553

// scriptedClient plays BotFather: every SendText is answered by the script
// through the registered incoming handler.
type scriptedClient struct {
	mu       sync.Mutex
	handlers []func(int64, telegram.Message)
	script   func(sent string) string
	sent     []string
	promoted []int64
}

func (s *scriptedClient) Connect(context.Context) error { return nil }
func (s *scriptedClient) Close() error                  { return nil }

func (s *scriptedClient) Authorized(context.Context) (bool, error) { return true, nil }
func (s *scriptedClient) Self(context.Context) (*telegram.User, error) {
	return &telegram.User{ID: 1}, nil
}

func (s *scriptedClient) BeginQRAuth(context.Context) (<-chan telegram.QRToken, error) {
	return nil, nil
}
func (s *scriptedClient) BeginPhoneAuth(context.Context, string) error { return nil }
func (s *scriptedClient) SubmitCode(context.Context, string) (telegram.CodeResult, error) {
	return telegram.CodeResult{}, nil
}
func (s *scriptedClient) SubmitPassword(context.Context, string) error { return nil }
func (s *scriptedClient) WaitAuthorized(context.Context) error         { return nil }

func (s *scriptedClient) History(context.Context, int64, int64, int) ([]telegram.Message, error) {
	return nil, nil
}
func (s *scriptedClient) HistoryBefore(context.Context, int64, int64, int) ([]telegram.Message, error) {
	return nil, nil
}
func (s *scriptedClient) ForwardMessages(context.Context, int64, int64, []int64) error { return nil }

func (s *scriptedClient) ResolveChat(_ context.Context, ref string) (*telegram.Chat, error) {
	return &telegram.Chat{ID: botFatherChatID, Title: "BotFather"}, nil
}
func (s *scriptedClient) ChatInfo(context.Context, int64) (*telegram.Chat, error) { return nil, nil }
func (s *scriptedClient) CreateChannel(context.Context, string, string) (int64, error) {
	return 0, nil
}
func (s *scriptedClient) PromoteBotAdmin(_ context.Context, channelID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoted = append(s.promoted, channelID)
	return nil
}
func (s *scriptedClient) InviteLink(context.Context, int64) (string, error) { return "", nil }

func (s *scriptedClient) SendText(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	reply := s.script(text)
	handlers := append(([]func(int64, telegram.Message))(nil), s.handlers...)
	s.mu.Unlock()

	if reply == "" {
		return nil
	}
	go func() {
		for _, h := range handlers {
			h(chatID, telegram.Message{Text: reply})
		}
	}()
	return nil
}

func (s *scriptedClient) OnIncoming(h func(chatID int64, msg telegram.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
	return func() {}
}

type staticSessions struct {
	client telegram.Client
	err    error
}

func (s *staticSessions) ClientFor(context.Context, string) (telegram.Client, error) {
	return s.client, s.err
}

func newTestFactory(t *testing.T, client telegram.Client) (*Factory, *database.DB) {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	codec, err := crypto.NewCodec("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(db, codec, &staticSessions{client: client}, logger)
	f.sendDelay = time.Millisecond
	f.replyTimeout = 200 * time.Millisecond
	f.validate = func(_ context.Context, token string) (*BotIdentity, error) {
		return &BotIdentity{ID: 424242, Username: "validated"}, nil
	}
	return f, db
}

func botFatherScript(tokenOnAttempt int) func(string) string {
	usernameRe := regexp.MustCompile(`^agrgrm_[a-z0-9]{6}_bot$`)
	attempt := 0
	return func(sent string) string {
		switch {
		case sent == "/newbot":
			return "Alright, a new bot. How are we going to call it?"
		case sent == botDisplayName:
			return "Good. Now let's choose a username for your bot."
		case usernameRe.MatchString(sent):
			attempt++
			if attempt >= tokenOnAttempt {
				return "Done! Use this token to access the HTTP API:\n110201543:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
			}
			return "Sorry, this username is already taken."
		default:
			return "I don't understand."
		}
	}
}

func TestEnsureBotCreatesViaBotFather(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: botFatherScript(1)}
	f, db := newTestFactory(t, client)

	bot, err := f.EnsureBot(ctx, "user-1")
	require.NoError(t, err)
	assert.Regexp(t, `^agrgrm_[a-z0-9]{6}_bot$`, bot.BotUsername)
	assert.Equal(t, int64(424242), bot.BotTelegramID)
	assert.Equal(t, models.BotActive, bot.Status)

	// Conversation shape: /newbot, display name, one username candidate
	client.mu.Lock()
	sent := append([]string(nil), client.sent...)
	client.mu.Unlock()
	require.Len(t, sent, 3)
	assert.Equal(t, "/newbot", sent[0])
	assert.Equal(t, botDisplayName, sent[1])

	// Token is stored encrypted
	stored, err := db.GetBot(ctx, "user-1")
	require.NoError(t, err)
	assert.NotContains(t, stored.BotToken, "110201543:")
	codec, _ := crypto.NewCodec("0123456789abcdef0123456789abcdef")
	token, err := codec.Decrypt(stored.BotToken)
	require.NoError(t, err)
	assert.Equal(t, "110201543:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw", token)
}

func TestEnsureBotReusesActiveBot(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: func(string) string { return "" }}
	f, db := newTestFactory(t, client)

	require.NoError(t, db.UpsertBot(ctx, &models.PostingBot{
		UserID:        "user-1",
		BotToken:      "encrypted",
		BotUsername:   "agrgrm_abc123_bot",
		BotTelegramID: 99,
		Status:        models.BotActive,
	}))

	bot, err := f.EnsureBot(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "agrgrm_abc123_bot", bot.BotUsername)
	assert.Empty(t, client.sent) // no conversation happened
}

func TestEnsureBotRetriesRejectedUsernames(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: botFatherScript(3)}
	f, _ := newTestFactory(t, client)

	bot, err := f.EnsureBot(ctx, "user-1")
	require.NoError(t, err)

	client.mu.Lock()
	sent := append([]string(nil), client.sent...)
	client.mu.Unlock()
	// /newbot + name + three username candidates
	require.Len(t, sent, 5)
	assert.Equal(t, sent[4], bot.BotUsername)
}

func TestEnsureBotUsernameExhausted(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: botFatherScript(usernameAttempts + 1)}
	f, _ := newTestFactory(t, client)

	_, err := f.EnsureBot(ctx, "user-1")
	assert.ErrorIs(t, err, ErrUsernameExhausted)
}

func TestEnsureBotQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: func(sent string) string {
		if sent == "/newbot" {
			return "That I cannot do. You have too many bots already."
		}
		return ""
	}}
	f, _ := newTestFactory(t, client)

	_, err := f.EnsureBot(ctx, "user-1")
	assert.ErrorIs(t, err, ErrBotQuotaExceeded)
}

func TestEnsureBotReplyTimeout(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: func(string) string { return "" }} // BotFather stays silent
	f, _ := newTestFactory(t, client)

	_, err := f.EnsureBot(ctx, "user-1")
	assert.ErrorIs(t, err, ErrReplyTimeout)
}

func TestEnsureBotSyncsExistingChannels(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: botFatherScript(1)}
	f, db := newTestFactory(t, client)

	require.NoError(t, db.CreateFeed(ctx, &models.Feed{
		ID:                 "feed-1",
		UserID:             "user-1",
		Name:               "News",
		Status:             models.FeedActive,
		PollingIntervalSec: 300,
	}))
	require.NoError(t, db.CreateFeedChannel(ctx, &models.FeedChannel{
		ID:                "fc-1",
		FeedID:            "feed-1",
		TelegramChannelID: -1001234,
		Title:             "News Feed",
	}))

	_, err := f.EnsureBot(ctx, "user-1")
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []int64{-1001234}, client.promoted)
}

func TestBotClientAcceptsLegacyPlaintextToken(t *testing.T) {
	ctx := context.Background()
	f, db := newTestFactory(t, nil)

	var connected []string
	f.connect = func(_ context.Context, token string) (*botapi.Client, error) {
		connected = append(connected, token)
		return &botapi.Client{}, nil
	}

	// A row written before tokens were stored encrypted
	require.NoError(t, db.UpsertBot(ctx, &models.PostingBot{
		UserID:      "user-1",
		BotToken:    "110201543:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw",
		BotUsername: "agrgrm_legacy_bot",
		Status:      models.BotActive,
	}))

	client, err := f.BotClient(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, []string{"110201543:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"}, connected)

	// Second call hits the cache
	_, err = f.BotClient(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, connected, 1)
}
