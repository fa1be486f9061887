// Package oauth implements the TokenRefresher port with golang.org/x/oauth2.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TokenRefresher = (*Client)(nil)

// DefaultTokenURL is the Microsoft identity platform token endpoint for
// personal and work accounts.
const DefaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

// requestTimeout bounds one refresh grant round trip.
const requestTimeout = 10 * time.Second

// maxBodyDetail caps how much of a non-JSON error body ends up in a message.
const maxBodyDetail = 160

// Client performs refresh-token grants against one token endpoint. Public
// clients are assumed: client_id goes in the form body and no secret is sent.
type Client struct {
	tokenURL   string
	httpClient *http.Client
}

// NewClient creates a Client for tokenURL with a 10 second request timeout.
func NewClient(tokenURL string) *Client {
	return NewClientWithHTTPClient(&http.Client{Timeout: requestTimeout}, tokenURL)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, tokenURL string) *Client {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &Client{
		tokenURL:   tokenURL,
		httpClient: httpClient,
	}
}

// Refresh exchanges refreshToken for an access token. Failures are returned as
// *model.TokenError classified as rate_limited or token_error.
func (c *Client) Refresh(ctx context.Context, clientID, refreshToken string) (*driven.TokenGrant, error) {
	if clientID == "" || refreshToken == "" {
		return nil, model.NewTokenError(0, "", "Missing client_id or refresh_token.")
	}

	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}
	if tok.AccessToken == "" {
		return nil, model.NewTokenError(0, "", "Access token missing.")
	}

	grant := &driven.TokenGrant{AccessToken: tok.AccessToken}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		grant.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		grant.ExpiresIn = max(int64(math.Round(time.Until(tok.Expiry).Seconds())), 0)
	}
	return grant, nil
}

// classify maps an oauth2 failure to a TokenError. Provider rejections carry
// the HTTP status and the error description; everything else is a transport
// problem.
func classify(err error) *model.TokenError {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		if strings.Contains(err.Error(), "missing access_token") {
			return model.NewTokenError(0, "", "Access token missing.")
		}
		msg := fmt.Sprintf("Token request failed: %v", err)
		return model.NewTokenError(0, msg, msg)
	}

	status := 0
	if rErr.Response != nil {
		status = rErr.Response.StatusCode
	}

	detail := rErr.ErrorDescription
	if detail == "" {
		detail = rErr.ErrorCode
	}
	if detail == "" {
		detail = truncate(strings.TrimSpace(string(rErr.Body)), maxBodyDetail)
	}

	if status >= 400 {
		return model.NewTokenError(status, detail, fmt.Sprintf("Token error (%d): %s", status, detail))
	}
	// A 2xx response that still reports an error is classified by text only.
	kind := model.TokenErrorKindToken
	if model.IsRateLimitText(detail) {
		kind = model.TokenErrorKindRateLimited
	}
	return &model.TokenError{Kind: kind, StatusCode: status, Message: "Token error: " + detail}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
