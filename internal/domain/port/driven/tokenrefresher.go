package driven

import "context"

// TokenGrant is the successful result of a refresh-token grant.
type TokenGrant struct {
	AccessToken string
	// RefreshToken is set only when the provider issued a token different
	// from the one presented.
	RefreshToken string
	// ExpiresIn is the provider's lifetime hint in seconds; zero when absent.
	ExpiresIn int64
}

// TokenRefresher performs OAuth2 refresh-token grants. Failures are returned
// as *model.TokenError so callers can branch on the kind.
type TokenRefresher interface {
	Refresh(ctx context.Context, clientID, refreshToken string) (*TokenGrant, error)
}
