package gotd

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/mixelka/aggregram/internal/telegram"
)

// BeginQRAuth starts QR login and streams challenge tokens until the login
// settles. The final outcome lands in authDone for WaitAuthorized.
func (c *Client) BeginQRAuth(ctx context.Context) (<-chan telegram.QRToken, error) {
	tokens := make(chan telegram.QRToken, 1)
	loggedIn := qrlogin.OnLoginToken(c.dispatcher)

	go func() {
		defer close(tokens)
		_, err := c.tg.QR().Auth(ctx, loggedIn, func(ctx context.Context, token qrlogin.Token) error {
			select {
			case tokens <- telegram.QRToken{URL: token.URL(), ExpiresAt: token.Expires()}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
				err = telegram.ErrPasswordNeeded
			} else {
				err = wrapErr(err)
			}
		}
		select {
		case c.authDone <- err:
		default:
		}
	}()
	return tokens, nil
}

// BeginPhoneAuth requests a login code for the phone number.
func (c *Client) BeginPhoneAuth(ctx context.Context, phone string) error {
	sent, err := c.tg.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		if d, ok := tgerr.AsFloodWait(err); ok {
			return &telegram.AuthError{Kind: telegram.AuthRateLimited, RetryAfter: d, Err: err}
		}
		if tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED", "PHONE_NUMBER_FLOOD") {
			return &telegram.AuthError{Kind: telegram.AuthBadPhone, Err: err}
		}
		return fmt.Errorf("failed to send login code: %w", wrapErr(err))
	}

	sc, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return fmt.Errorf("unexpected sent code response %T", sent)
	}
	c.mu.Lock()
	c.phone = phone
	c.codeHash = sc.PhoneCodeHash
	c.mu.Unlock()
	return nil
}

// SubmitCode feeds the received login code into the pending login.
func (c *Client) SubmitCode(ctx context.Context, code string) (telegram.CodeResult, error) {
	c.mu.Lock()
	phone, hash := c.phone, c.codeHash
	c.mu.Unlock()
	if hash == "" {
		return telegram.CodeResult{}, fmt.Errorf("no login code was requested")
	}

	_, err := c.tg.Auth().SignIn(ctx, phone, code, hash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		hint := ""
		if pwd, perr := c.api.AccountGetPassword(ctx); perr == nil {
			hint = pwd.Hint
		}
		return telegram.CodeResult{Needs2FA: true, Hint: hint}, nil
	}
	if err != nil {
		if d, ok := tgerr.AsFloodWait(err); ok {
			return telegram.CodeResult{}, &telegram.AuthError{Kind: telegram.AuthRateLimited, RetryAfter: d, Err: err}
		}
		if tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY") {
			return telegram.CodeResult{}, &telegram.AuthError{Kind: telegram.AuthBadCode, Err: err}
		}
		return telegram.CodeResult{}, fmt.Errorf("failed to sign in: %w", wrapErr(err))
	}
	return telegram.CodeResult{}, nil
}

// SubmitPassword feeds the 2FA password into the pending login.
func (c *Client) SubmitPassword(ctx context.Context, password string) error {
	_, err := c.tg.Auth().Password(ctx, password)
	if err != nil {
		if d, ok := tgerr.AsFloodWait(err); ok {
			return &telegram.AuthError{Kind: telegram.AuthRateLimited, RetryAfter: d, Err: err}
		}
		if tgerr.Is(err, "PASSWORD_HASH_INVALID") || errors.Is(err, auth.ErrPasswordInvalid) {
			return &telegram.AuthError{Kind: telegram.AuthBadPassword, Err: err}
		}
		return fmt.Errorf("failed to check password: %w", wrapErr(err))
	}
	// settle any QR login that was parked on the password step
	select {
	case c.authDone <- nil:
	default:
	}
	return nil
}

// WaitAuthorized blocks until a pending QR login settles.
func (c *Client) WaitAuthorized(ctx context.Context) error {
	select {
	case err := <-c.authDone:
		return err
	case <-ctx.Done():
		return &telegram.AuthError{Kind: telegram.AuthTimeout, Err: ctx.Err()}
	}
}
