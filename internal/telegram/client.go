package telegram

import "context"

// Client is the session-protocol surface the core depends on. One client owns
// one user's live session; all operations for that user go through it. Tests
// inject fakes, production uses the gotd implementation.
type Client interface {
	// Connect establishes the transport without authenticating. It must be
	// called before any other operation.
	Connect(ctx context.Context) error
	// Close tears down the live connection. On-disk session state survives.
	Close() error

	// Authorized reports whether the session holds valid credentials,
	// verified with a cheap self-identify call.
	Authorized(ctx context.Context) (bool, error)
	// Self identifies the account behind the session.
	Self(ctx context.Context) (*User, error)

	// BeginQRAuth starts QR login. The returned channel delivers the initial
	// challenge and every refreshed one until authorization completes or the
	// context is cancelled; the client closes it afterwards.
	BeginQRAuth(ctx context.Context) (<-chan QRToken, error)
	// BeginPhoneAuth requests a login code for the phone number.
	BeginPhoneAuth(ctx context.Context, phone string) error
	// SubmitCode feeds the received login code into the pending login.
	SubmitCode(ctx context.Context, code string) (CodeResult, error)
	// SubmitPassword feeds the 2FA password into the pending login.
	SubmitPassword(ctx context.Context, password string) error
	// WaitAuthorized blocks until the pending login (QR scan or password
	// check) reaches the authorized state or the context expires.
	WaitAuthorized(ctx context.Context) error

	// History returns up to limit messages with id strictly greater than
	// sinceID, oldest first.
	History(ctx context.Context, channelID int64, sinceID int64, limit int) ([]Message, error)
	// HistoryBefore returns up to limit messages with id strictly smaller
	// than beforeID, newest first. beforeID zero means "from the newest".
	HistoryBefore(ctx context.Context, channelID int64, beforeID int64, limit int) ([]Message, error)
	// ForwardMessages forwards messages between channels over the session.
	ForwardMessages(ctx context.Context, fromChannelID, toChannelID int64, ids []int64) error

	// ResolveChat resolves a chat by @username or numeric id string.
	ResolveChat(ctx context.Context, ref string) (*Chat, error)
	// ChatInfo fetches full metadata for a channel, including the
	// protected-content flag and member count.
	ChatInfo(ctx context.Context, channelID int64) (*Chat, error)
	// CreateChannel creates a broadcast channel and returns its id.
	CreateChannel(ctx context.Context, title, about string) (int64, error)
	// PromoteBotAdmin grants a bot post/edit/delete rights on a channel.
	PromoteBotAdmin(ctx context.Context, channelID int64, botUsername string) error
	// InviteLink returns the channel's primary invite link, creating one
	// when necessary.
	InviteLink(ctx context.Context, channelID int64) (string, error)

	// SendText sends a plain text message to a user chat.
	SendText(ctx context.Context, chatID int64, text string) error
	// OnIncoming registers a handler for incoming messages. The returned
	// function removes the handler; handlers must be registered before the
	// message that triggers them is sent.
	OnIncoming(handler func(chatID int64, msg Message)) (remove func())
}

// Factory creates clients and manages their on-disk session state.
type Factory interface {
	New(userID string) (Client, error)
	// DeleteState removes the persisted session state for a user, so the
	// next client starts from a clean slate.
	DeleteState(userID string) error
}
