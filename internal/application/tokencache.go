package application

import (
	"time"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
)

// Access token cache bounds. The cache lives in the mailbox record so it
// survives restarts.
const (
	accessTokenMaxTTL = time.Hour
	accessTokenMinTTL = time.Minute
	// accessTokenGrace keeps a token that is about to expire from being
	// handed to an IMAP login.
	accessTokenGrace = 5 * time.Second
)

// cachedAccessToken returns the cached bearer token if it is still valid for
// longer than the grace period.
func cachedAccessToken(m model.Mailbox, now time.Time) (string, bool) {
	if m.AccessTokenCached == "" {
		return "", false
	}
	if !m.AccessTokenExpiresAt.After(now.Add(accessTokenGrace)) {
		return "", false
	}
	return m.AccessTokenCached, true
}

// accessTokenExpiry computes the cache expiry for a fresh access token.
// expiresIn is the provider's hint in seconds; zero or negative means none.
func accessTokenExpiry(now time.Time, expiresIn int64) time.Time {
	ttl := accessTokenMaxTTL
	if expiresIn > 0 {
		ttl = min(ttl, time.Duration(expiresIn)*time.Second)
	}
	return now.Add(max(ttl, accessTokenMinTTL))
}

func putAccessToken(m *model.Mailbox, token string, now time.Time, expiresIn int64) {
	m.AccessTokenCached = token
	m.AccessTokenExpiresAt = accessTokenExpiry(now, expiresIn)
}

func clearAccessToken(m *model.Mailbox) {
	m.AccessTokenCached = ""
	m.AccessTokenExpiresAt = time.Time{}
}
