package aggregate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/queue"
	"github.com/mixelka/aggregram/internal/telegram"
	"github.com/mixelka/aggregram/pkg/models"
)

// histClient is a session client fake serving scripted channel histories.
type histClient struct {
	mu       sync.Mutex
	history  map[int64][]telegram.Message // channelID -> messages, ascending by id
	chats    map[int64]*telegram.Chat
	histErr  map[int64]error
	forwards [][]int64
	fwdErr   error
}

func newHistClient() *histClient {
	return &histClient{
		history: make(map[int64][]telegram.Message),
		chats:   make(map[int64]*telegram.Chat),
		histErr: make(map[int64]error),
	}
}

func (h *histClient) Connect(context.Context) error                   { return nil }
func (h *histClient) Close() error                                    { return nil }
func (h *histClient) Authorized(context.Context) (bool, error)        { return true, nil }
func (h *histClient) Self(context.Context) (*telegram.User, error)    { return &telegram.User{ID: 1}, nil }
func (h *histClient) BeginQRAuth(context.Context) (<-chan telegram.QRToken, error) {
	return nil, nil
}
func (h *histClient) BeginPhoneAuth(context.Context, string) error { return nil }
func (h *histClient) SubmitCode(context.Context, string) (telegram.CodeResult, error) {
	return telegram.CodeResult{}, nil
}
func (h *histClient) SubmitPassword(context.Context, string) error { return nil }
func (h *histClient) WaitAuthorized(context.Context) error         { return nil }

func (h *histClient) History(_ context.Context, channelID, sinceID int64, limit int) ([]telegram.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.histErr[channelID]; err != nil {
		return nil, err
	}
	var out []telegram.Message
	for _, m := range h.history[channelID] {
		if m.ID > sinceID {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *histClient) HistoryBefore(_ context.Context, channelID, beforeID int64, limit int) ([]telegram.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.histErr[channelID]; err != nil {
		return nil, err
	}
	msgs := h.history[channelID]
	var out []telegram.Message
	for i := len(msgs) - 1; i >= 0; i-- { // newest first
		if beforeID != 0 && msgs[i].ID >= beforeID {
			continue
		}
		out = append(out, msgs[i])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *histClient) ForwardMessages(_ context.Context, fromChannelID, toChannelID int64, ids []int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fwdErr != nil {
		return h.fwdErr
	}
	h.forwards = append(h.forwards, ids)
	return nil
}

func (h *histClient) ResolveChat(context.Context, string) (*telegram.Chat, error) { return nil, nil }

func (h *histClient) ChatInfo(_ context.Context, channelID int64) (*telegram.Chat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.chats[channelID]; ok {
		return c, nil
	}
	return &telegram.Chat{ID: channelID, IsChannel: true}, nil
}

func (h *histClient) CreateChannel(context.Context, string, string) (int64, error) {
	return -100999, nil
}
func (h *histClient) PromoteBotAdmin(context.Context, int64, string) error  { return nil }
func (h *histClient) InviteLink(context.Context, int64) (string, error)     { return "https://t.me/+x", nil }
func (h *histClient) SendText(context.Context, int64, string) error         { return nil }
func (h *histClient) OnIncoming(func(int64, telegram.Message)) func()       { return func() {} }

type staticSessions struct {
	client telegram.Client
	err    error
}

func (s *staticSessions) ClientFor(context.Context, string) (telegram.Client, error) {
	return s.client, s.err
}

// fakeBot is a scriptable posting-bot surface. Errors are keyed by message id
// and consumed once, so a retry after a rate limit can succeed.
type fakeBot struct {
	mu       sync.Mutex
	copyErr  map[int64]error
	sendErr  error
	copied   []int64
	albums   [][]int64
	sent     []string
	edited   []string
	nextID   int64
	oneShot  bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{copyErr: make(map[int64]error), nextID: 1000}
}

func (b *fakeBot) takeErr(id int64) error {
	err := b.copyErr[id]
	if err != nil && b.oneShot {
		delete(b.copyErr, id)
	}
	return err
}

func (b *fakeBot) SendMessage(_ context.Context, _ int64, html string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return 0, b.sendErr
	}
	b.sent = append(b.sent, html)
	b.nextID++
	return b.nextID, nil
}

func (b *fakeBot) CopyMessage(_ context.Context, _, _ int64, messageID int64, caption string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(messageID); err != nil {
		return 0, err
	}
	b.copied = append(b.copied, messageID)
	b.nextID++
	return b.nextID, nil
}

func (b *fakeBot) CopyMessages(_ context.Context, _, _ int64, messageIDs []int64) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range messageIDs {
		if err := b.takeErr(id); err != nil {
			return nil, err
		}
	}
	b.albums = append(b.albums, messageIDs)
	out := make([]int64, len(messageIDs))
	for i := range out {
		b.nextID++
		out[i] = b.nextID
	}
	return out, nil
}

func (b *fakeBot) EditCaption(_ context.Context, _, _ int64, caption string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edited = append(b.edited, caption)
	return nil
}

type staticBots struct {
	bot BotAPI
	err error
}

func (s *staticBots) BotClient(context.Context, string) (BotAPI, error) { return s.bot, s.err }

// fakeQueue records enqueued payloads instead of running them.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []struct {
		Kind    queue.Kind
		Payload any
	}
}

func (q *fakeQueue) Enqueue(_ context.Context, kind queue.Kind, payload any, _ queue.Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, struct {
		Kind    queue.Kind
		Payload any
	}{kind, payload})
	return "job-id", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// seedFeed creates a feed with one source channel and a destination, and
// returns the feed-source id.
func seedFeed(t *testing.T, db *database.DB, feedID string, channelID int64) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.CreateFeed(ctx, &models.Feed{
		ID:                 feedID,
		UserID:             "user-1",
		Name:               "Test Feed",
		Status:             models.FeedActive,
		PollingIntervalSec: 300,
	}))
	require.NoError(t, db.CreateSourceChannel(ctx, &models.SourceChannel{
		ID:                "sc-" + feedID,
		TelegramChannelID: channelID,
		Title:             "Source",
	}))
	srcID := "fs-" + feedID
	require.NoError(t, db.AddFeedSource(ctx, &models.FeedSource{
		ID:              srcID,
		FeedID:          feedID,
		SourceChannelID: "sc-" + feedID,
	}))
	require.NoError(t, db.CreateFeedChannel(ctx, &models.FeedChannel{
		ID:                "fc-" + feedID,
		FeedID:            feedID,
		TelegramChannelID: -100500,
		Title:             "Test Feed",
	}))
	return srcID
}

func seedJob(t *testing.T, db *database.DB, jobID, feedID string) {
	t.Helper()
	require.NoError(t, db.CreateAggregationJob(context.Background(), &models.AggregationJob{
		ID:     jobID,
		FeedID: feedID,
		Status: models.JobPending,
	}))
}

func msg(id int64, at time.Time, text string) telegram.Message {
	return telegram.Message{ID: id, Date: at, Text: text}
}
