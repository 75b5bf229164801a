package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mixelka/aggregram/internal/telegram"
)

// fakeClient is a scriptable in-memory session client.
type fakeClient struct {
	mu sync.Mutex

	connectErr error
	authorized bool
	selfErr    error
	self       telegram.User

	phoneErr   error
	codeResult telegram.CodeResult
	codeErr    error
	passErr    error

	qrTokens chan telegram.QRToken
	waitErr  error
	waitCh   chan struct{} // closed to release WaitAuthorized

	connectCalls int32
	selfCalls    int32
	closeCalls   int32
	phoneGot     string
	codeGot      string
	passGot      string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		self:   telegram.User{ID: 777, Username: "tester"},
		waitCh: make(chan struct{}),
	}
}

func (f *fakeClient) Connect(_ context.Context) error {
	atomic.AddInt32(&f.connectCalls, 1)
	return f.connectErr
}

func (f *fakeClient) Close() error {
	atomic.AddInt32(&f.closeCalls, 1)
	return nil
}

func (f *fakeClient) Authorized(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized, nil
}

func (f *fakeClient) Self(_ context.Context) (*telegram.User, error) {
	atomic.AddInt32(&f.selfCalls, 1)
	if f.selfErr != nil {
		return nil, f.selfErr
	}
	u := f.self
	return &u, nil
}

func (f *fakeClient) BeginQRAuth(_ context.Context) (<-chan telegram.QRToken, error) {
	return f.qrTokens, nil
}

func (f *fakeClient) BeginPhoneAuth(_ context.Context, phone string) error {
	f.mu.Lock()
	f.phoneGot = phone
	f.mu.Unlock()
	return f.phoneErr
}

func (f *fakeClient) SubmitCode(_ context.Context, code string) (telegram.CodeResult, error) {
	f.mu.Lock()
	f.codeGot = code
	f.mu.Unlock()
	if f.codeErr != nil {
		return telegram.CodeResult{}, f.codeErr
	}
	return f.codeResult, nil
}

func (f *fakeClient) SubmitPassword(_ context.Context, password string) error {
	f.mu.Lock()
	f.passGot = password
	f.mu.Unlock()
	return f.passErr
}

func (f *fakeClient) WaitAuthorized(ctx context.Context) error {
	select {
	case <-f.waitCh:
		return f.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeClient) History(context.Context, int64, int64, int) ([]telegram.Message, error) {
	return nil, nil
}

func (f *fakeClient) HistoryBefore(context.Context, int64, int64, int) ([]telegram.Message, error) {
	return nil, nil
}

func (f *fakeClient) ForwardMessages(context.Context, int64, int64, []int64) error {
	return nil
}

func (f *fakeClient) ResolveChat(context.Context, string) (*telegram.Chat, error) {
	return nil, telegram.ErrNotAuthorized
}

func (f *fakeClient) ChatInfo(context.Context, int64) (*telegram.Chat, error) {
	return nil, telegram.ErrNotAuthorized
}

func (f *fakeClient) CreateChannel(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (f *fakeClient) PromoteBotAdmin(context.Context, int64, string) error {
	return nil
}

func (f *fakeClient) InviteLink(context.Context, int64) (string, error) {
	return "", nil
}

func (f *fakeClient) SendText(context.Context, int64, string) error {
	return nil
}

func (f *fakeClient) OnIncoming(func(chatID int64, msg telegram.Message)) func() {
	return func() {}
}

// fakeFactory hands out clients from a script and counts state deletions.
type fakeFactory struct {
	mu          sync.Mutex
	next        []*fakeClient
	fallback    func() *fakeClient
	newErr      error
	newCalls    int
	deleteCalls int
}

func (f *fakeFactory) New(_ string) (telegram.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newCalls++
	if f.newErr != nil {
		return nil, f.newErr
	}
	if len(f.next) > 0 {
		c := f.next[0]
		f.next = f.next[1:]
		return c, nil
	}
	if f.fallback != nil {
		return f.fallback(), nil
	}
	return newFakeClient(), nil
}

func (f *fakeFactory) DeleteState(_ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return nil
}
