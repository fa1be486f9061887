package model

import (
	"fmt"
	"strings"
)

// TokenErrorKind classifies a failed refresh-token grant.
type TokenErrorKind string

const (
	TokenErrorKindToken       TokenErrorKind = "token_error"
	TokenErrorKindRateLimited TokenErrorKind = "rate_limited"
)

// TokenError is returned when the identity provider could not issue an
// access token. StatusCode is zero when no HTTP response was received.
type TokenError struct {
	Kind       TokenErrorKind
	StatusCode int
	Message    string
}

func (e *TokenError) Error() string {
	return e.Message
}

// Detail renders the error with its kind prefix, the form stored in
// token_last_error.
func (e *TokenError) Detail() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Reason is a fixed description of the failure built from Kind and
// StatusCode. It never carries provider response text.
func (e *TokenError) Reason() string {
	switch {
	case e.Kind == TokenErrorKindRateLimited:
		return "Token refresh rate limited by provider."
	case e.StatusCode > 0:
		return fmt.Sprintf("Token refresh rejected by provider (HTTP %d).", e.StatusCode)
	default:
		return "Token refresh failed."
	}
}

// NewTokenError builds a TokenError, classifying it as rate limited when the
// status code is 429 or the text looks like throttling.
func NewTokenError(statusCode int, text, message string) *TokenError {
	kind := TokenErrorKindToken
	if statusCode == 429 || IsRateLimitText(text) {
		kind = TokenErrorKindRateLimited
	}
	return &TokenError{Kind: kind, StatusCode: statusCode, Message: message}
}

// IsRateLimitText reports whether an error text looks like provider throttling.
func IsRateLimitText(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "429") || strings.Contains(t, "too many requests") || strings.Contains(t, "throttl")
}

// IsFallbackEligibleText reports whether an IMAP error text is worth a refresh
// token rollback: throttling, or anything mentioning auth or invalid.
func IsFallbackEligibleText(text string) bool {
	if IsRateLimitText(text) {
		return true
	}
	t := strings.ToLower(text)
	return strings.Contains(t, "auth") || strings.Contains(t, "invalid")
}
