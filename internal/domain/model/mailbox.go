package model

import "time"

// Mailbox is the persisted credential record for one mailbox address. It holds
// the static auth inputs, the current and previous refresh tokens, the cached
// access token, and the token health fields surfaced to API callers.
//
// Zero time values mean "unset".
type Mailbox struct {
	ID       int64
	Address  string
	Password string
	ClientID string

	RefreshToken              string
	RefreshTokenPrev          string // Superseded token kept for rollback; never equal to RefreshToken.
	RefreshTokenUpdatedAt     time.Time
	RefreshTokenPrevUpdatedAt time.Time
	RefreshTokenExpiresAt     time.Time

	AccessTokenCached    string
	AccessTokenExpiresAt time.Time

	TokenNextRefreshAt   time.Time
	TokenRefreshPriority bool
	TokenStatus          TokenStatus
	TokenLastError       string
	TokenLastErrorAt     time.Time
	TokenLastWarning     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasOAuthRefresh reports whether the mailbox carries everything needed for a
// refresh-token grant.
func (m Mailbox) HasOAuthRefresh() bool {
	return m.ClientID != "" && m.RefreshToken != ""
}

// AuthLabel returns a short human-readable description of how the mailbox
// authenticates against IMAP.
func (m Mailbox) AuthLabel() string {
	switch {
	case m.RefreshToken != "" && m.ClientID != "":
		return "OAuth (refresh)"
	case m.RefreshToken != "":
		return "OAuth (token)"
	case m.Password != "":
		return "Password"
	default:
		return "None"
	}
}

// RefreshTokenStale reports whether the refresh token has not been confirmed
// valid within validFor. A token that was never confirmed is stale.
func (m Mailbox) RefreshTokenStale(now time.Time, validFor time.Duration) bool {
	if m.RefreshTokenUpdatedAt.IsZero() {
		return true
	}
	return !now.Before(m.RefreshTokenUpdatedAt.Add(validFor))
}

// Validate checks the record invariants that every store mutation must keep.
func (m Mailbox) Validate() error {
	if m.Address == "" {
		return ErrAddressRequired
	}
	if m.RefreshTokenPrev != "" && m.RefreshTokenPrev == m.RefreshToken {
		return ErrDuplicateRefreshToken
	}
	if !m.TokenStatus.Valid() {
		return ErrUnknownTokenStatus
	}
	return nil
}

// MailboxImport is one credential entry submitted for (re)import.
type MailboxImport struct {
	Address      string
	Password     string
	ClientID     string
	RefreshToken string
}
