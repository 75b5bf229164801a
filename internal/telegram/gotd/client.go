// Package gotd implements the session-protocol client over the gotd/td
// MTProto library. It is the only package that touches gotd types; everything
// above it speaks the telegram.Client interface.
package gotd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gotd/td/session"
	tgclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/mixelka/aggregram/internal/telegram"
)

// Client is one user's live MTProto session.
type Client struct {
	tg         *tgclient.Client
	api        *tg.Client
	dispatcher tg.UpdateDispatcher
	logger     *zap.Logger

	runCancel context.CancelFunc
	runDone   chan error
	ready     chan struct{}

	// authDone delivers the outcome of a pending QR login.
	authDone chan error

	mu          sync.Mutex
	channelHash map[int64]int64 // channel id -> access hash
	userHash    map[int64]int64 // user id -> access hash
	phone       string
	codeHash    string

	handlerMu sync.Mutex
	handlers  map[int]func(chatID int64, msg telegram.Message)
	nextID    int
}

func newClient(apiID int, apiHash string, storage session.Storage, logger *zap.Logger) *Client {
	dispatcher := tg.NewUpdateDispatcher()
	c := &Client{
		dispatcher:  dispatcher,
		logger:      logger,
		runDone:     make(chan error, 1),
		ready:       make(chan struct{}),
		authDone:    make(chan error, 1),
		channelHash: make(map[int64]int64),
		userHash:    make(map[int64]int64),
		handlers:    make(map[int]func(chatID int64, msg telegram.Message)),
	}

	c.tg = tgclient.NewClient(apiID, apiHash, tgclient.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
		Logger:         logger,
	})
	c.api = c.tg.API()

	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.dispatch(u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.dispatch(u.Message)
		return nil
	})
	return c
}

// Connect starts the client's run loop and waits for the transport to come
// up. The loop keeps running until Close.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel

	go func() {
		c.runDone <- c.tg.Run(runCtx, func(ctx context.Context) error {
			close(c.ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-c.ready:
		return nil
	case err := <-c.runDone:
		cancel()
		if err == nil {
			err = fmt.Errorf("client run loop exited before ready")
		}
		return fmt.Errorf("failed to start telegram client: %w", err)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Close stops the run loop. The on-disk session survives.
func (c *Client) Close() error {
	if c.runCancel == nil {
		return nil
	}
	c.runCancel()
	if err := <-c.runDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Authorized reports whether the session holds valid credentials.
func (c *Client) Authorized(ctx context.Context) (bool, error) {
	status, err := c.tg.Auth().Status(ctx)
	if err != nil {
		return false, wrapErr(err)
	}
	return status.Authorized, nil
}

// Self identifies the account behind the session.
func (c *Client) Self(ctx context.Context) (*telegram.User, error) {
	me, err := c.tg.Self(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	c.mu.Lock()
	c.userHash[me.ID] = me.AccessHash
	c.mu.Unlock()
	return &telegram.User{ID: me.ID, Username: me.Username, FirstName: me.FirstName}, nil
}

// OnIncoming registers a handler for incoming messages.
func (c *Client) OnIncoming(handler func(chatID int64, msg telegram.Message)) func() {
	c.handlerMu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		delete(c.handlers, id)
		c.handlerMu.Unlock()
	}
}

func (c *Client) dispatch(msg tg.MessageClass) {
	m, ok := msg.(*tg.Message)
	if !ok || m.Out {
		return
	}

	var chatID int64
	switch peer := m.PeerID.(type) {
	case *tg.PeerUser:
		chatID = peer.UserID
	case *tg.PeerChannel:
		chatID = peer.ChannelID
	case *tg.PeerChat:
		chatID = peer.ChatID
	default:
		return
	}

	converted := convertMessage(m)

	c.handlerMu.Lock()
	handlers := make([]func(int64, telegram.Message), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlerMu.Unlock()

	for _, h := range handlers {
		h(chatID, converted)
	}
}
