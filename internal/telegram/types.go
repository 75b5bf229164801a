package telegram

import "time"

// User is the account behind a session, returned by the self-identify call.
type User struct {
	ID        int64
	Username  string
	FirstName string
}

// Chat describes a resolved chat or channel.
type Chat struct {
	ID          int64
	Title       string
	Username    string
	MemberCount int
	Protected   bool // content protection: forwarding/copying out is restricted
	IsChannel   bool
}

// Message is one message pulled from a source channel's history.
type Message struct {
	ID           int64
	Date         time.Time
	Text         string // set for plain text messages
	Caption      string // set for media messages with a caption
	HasMedia     bool
	MediaGroupID int64 // album grouping id, zero for standalone messages
}

// QRToken is a QR login challenge. The session client pushes a fresh token
// when the previous one expires (~60s lifetime).
type QRToken struct {
	URL       string
	ExpiresAt time.Time
}

// CodeResult is the outcome of submitting a login code.
type CodeResult struct {
	Needs2FA bool
	Hint     string // password hint, when 2FA is enabled
}
