package telegram

import (
	"errors"
	"fmt"
	"time"
)

// AuthErrorKind classifies authentication failures so callers can map them to
// user-readable responses without string matching.
type AuthErrorKind string

const (
	AuthBadPhone    AuthErrorKind = "bad_phone"
	AuthBadCode     AuthErrorKind = "bad_code"
	AuthBadPassword AuthErrorKind = "bad_password"
	AuthRateLimited AuthErrorKind = "rate_limited"
	AuthTimeout     AuthErrorKind = "timeout"
)

// AuthError is a classified authentication failure.
type AuthError struct {
	Kind       AuthErrorKind
	RetryAfter time.Duration // set when Kind is AuthRateLimited
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth error (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AsAuthError extracts an AuthError from an error chain.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ErrNotAuthorized indicates the session has no valid credentials and the
// user must re-authenticate.
var ErrNotAuthorized = errors.New("session not authorized")

// ErrPasswordNeeded indicates the login was accepted but the account has 2FA
// enabled; the flow must continue with SubmitPassword.
var ErrPasswordNeeded = errors.New("two-factor password required")

// Error is a protocol-level error from the session client, preserving the
// server error code and type string for classification.
type Error struct {
	Code int
	Type string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram error %d (%s)", e.Code, e.Type)
}

func (e *Error) Unwrap() error { return e.Err }

// IsGone reports whether an error means the referenced message or peer no
// longer exists or is permanently inaccessible to this session.
func IsGone(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Type {
	case "MESSAGE_ID_INVALID", "MESSAGE_IDS_EMPTY", "CHANNEL_PRIVATE", "CHANNEL_INVALID", "PEER_ID_INVALID":
		return true
	}
	return false
}

// RetryAfter extracts the flood-wait duration from an error, if present.
func RetryAfter(err error) (time.Duration, bool) {
	var te *Error
	if errors.As(err, &te) && te.Code == 420 {
		return time.Duration(floodWaitSeconds(te.Type)) * time.Second, true
	}
	return 0, false
}

func floodWaitSeconds(typ string) int {
	// Type looks like FLOOD_WAIT_42
	var n int
	if _, err := fmt.Sscanf(typ, "FLOOD_WAIT_%d", &n); err != nil || n <= 0 {
		return 60
	}
	return n
}
