package model

import "errors"

// TokenStatus is the health state of a mailbox's OAuth credential.
type TokenStatus string

const (
	TokenStatusUnknown        TokenStatus = "unknown"         // Never attempted.
	TokenStatusPendingInitial TokenStatus = "pending_initial" // Imported, queued for immediate validation.
	TokenStatusHealthy        TokenStatus = "healthy"
	TokenStatusWarning        TokenStatus = "warning"
	TokenStatusRollbackOK     TokenStatus = "rollback_ok" // Service restored with the previous refresh token.
	TokenStatusDegraded       TokenStatus = "degraded"    // Rollback failed or unavailable; needs re-import.
)

// Valid reports whether s is one of the known states.
func (s TokenStatus) Valid() bool {
	switch s {
	case TokenStatusUnknown, TokenStatusPendingInitial, TokenStatusHealthy,
		TokenStatusWarning, TokenStatusRollbackOK, TokenStatusDegraded:
		return true
	default:
		return false
	}
}

// KeepsWarning reports whether a clean refresh without rotation must leave the
// status untouched instead of resetting it to healthy.
func (s TokenStatus) KeepsWarning() bool {
	return s == TokenStatusWarning || s == TokenStatusRollbackOK || s == TokenStatusDegraded
}

// Terminal reports whether automation must stop retrying the credential.
func (s TokenStatus) Terminal() bool {
	return s == TokenStatusDegraded
}

// RefreshOutcome describes how an access token request was satisfied.
type RefreshOutcome int

const (
	OutcomeFailed RefreshOutcome = iota
	OutcomeCached
	OutcomeRefreshed
	OutcomeRolledBack
)

// String returns the outcome name used in logs.
func (o RefreshOutcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return "failed"
	}
}

var (
	ErrAddressRequired       = errors.New("mailbox address is required")
	ErrDuplicateRefreshToken = errors.New("previous refresh token equals current refresh token")
	ErrUnknownTokenStatus    = errors.New("unknown token status")
)
