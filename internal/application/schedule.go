package application

import (
	"time"
)

// Refresh token lifetimes and retry pacing.
const (
	// refreshTokenValidFor is how long a refresh token stays usable after the
	// provider last accepted it.
	refreshTokenValidFor = 90 * 24 * time.Hour
	// refreshFailureBackoff delays the next keepalive attempt after a failure.
	refreshFailureBackoff = 15 * time.Minute
	// defaultRefreshDays is the keepalive period when none is configured.
	defaultRefreshDays = 60
)

// Keepalive loop sleep bounds.
const (
	idleSleepMin   = 200 * time.Millisecond
	idleSleepMax   = 2 * time.Second
	loopErrorSleep = time.Second
)

// TokenPolicy holds the schedule knobs for the refresh token lifecycle.
type TokenPolicy struct {
	// RefreshInterval is both the delay before the next keepalive after a
	// good refresh and the age at which a refresh token counts as stale.
	RefreshInterval time.Duration
	// ValidFor is the refresh token lifetime recorded in RefreshTokenExpiresAt.
	ValidFor time.Duration
	// Backoff delays the next attempt after a failed refresh.
	Backoff time.Duration
}

// NewTokenPolicy returns the policy for a refresh period of refreshDays days.
// Values below one day are raised to one day.
func NewTokenPolicy(refreshDays int) TokenPolicy {
	if refreshDays < 1 {
		refreshDays = 1
	}
	return TokenPolicy{
		RefreshInterval: time.Duration(refreshDays) * 24 * time.Hour,
		ValidFor:        refreshTokenValidFor,
		Backoff:         refreshFailureBackoff,
	}
}

// DefaultTokenPolicy is NewTokenPolicy with the 60 day default.
func DefaultTokenPolicy() TokenPolicy {
	return NewTokenPolicy(defaultRefreshDays)
}

func (p TokenPolicy) nextRefresh(now time.Time) time.Time {
	return now.Add(p.RefreshInterval)
}

func (p TokenPolicy) nextRetry(now time.Time) time.Time {
	return now.Add(p.Backoff)
}

func (p TokenPolicy) expiresAt(now time.Time) time.Time {
	return now.Add(p.ValidFor)
}

// staleBefore is the refresh_token_updated_at cutoff for keepalive eligibility.
func (p TokenPolicy) staleBefore(now time.Time) time.Time {
	return now.Add(-p.RefreshInterval)
}

// idleSleep is how long the keepalive loop waits when nothing is due.
func idleSleep(pace time.Duration) time.Duration {
	return min(max(pace, idleSleepMin), idleSleepMax)
}

// paceSleep is the remainder of pace after elapsed, never negative.
func paceSleep(pace, elapsed time.Duration) time.Duration {
	return max(pace-elapsed, 0)
}
