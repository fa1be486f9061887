package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// errCredentialReplaced aborts a success write when the mailbox was
// re-imported while its refresh call was in flight.
var errCredentialReplaced = errors.New("refresh token replaced during refresh")

// AccessOptions controls one access token request.
type AccessOptions struct {
	// AllowFallback permits a single rollback to the previous refresh token
	// when the current one is rejected.
	AllowFallback bool
	// AllowCached permits answering from the cached access token.
	AllowCached bool
}

// DefaultAccessOptions is what IMAP sessions use: cache first, rollback once.
var DefaultAccessOptions = AccessOptions{AllowFallback: true, AllowCached: true}

// TokenResult is a usable access token and the mailbox as stored afterwards.
type TokenResult struct {
	AccessToken string
	Mailbox     *model.Mailbox
	Outcome     model.RefreshOutcome
}

// TokenService owns the refresh token lifecycle of every mailbox: the access
// token cache, refresh grants, rotation, and rollback to the previous token.
// All work for one mailbox is serialized, and every state change is a single
// store mutation.
type TokenService struct {
	store     driven.MailboxStore
	refresher driven.TokenRefresher
	policy    TokenPolicy
	locks     *mailboxLocks
	now       func() time.Time
	logger    *slog.Logger
}

// NewTokenService creates a TokenService.
func NewTokenService(store driven.MailboxStore, refresher driven.TokenRefresher, policy TokenPolicy, opts ...Option) *TokenService {
	o := buildOptions(opts)
	return &TokenService{
		store:     store,
		refresher: refresher,
		policy:    policy,
		locks:     newMailboxLocks(),
		now:       o.now,
		logger:    o.logger,
	}
}

// AccessToken returns a usable access token for the mailbox. The request runs
// as at most two steps: the current refresh token, then, if that is rejected
// and opts.AllowFallback is set, one rollback to the previous refresh token
// followed by a single retry without fallback.
func (s *TokenService) AccessToken(ctx context.Context, id int64, opts AccessOptions) (*TokenResult, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	res, primaryErr := s.cachedOrRefresh(ctx, m, opts.AllowCached)
	if primaryErr == nil {
		return res, nil
	}

	var tokErr *model.TokenError
	if !errors.As(primaryErr, &tokErr) || !opts.AllowFallback || m.TokenStatus.Terminal() {
		return nil, primaryErr
	}

	latest, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok, _ := s.rollbackLocked(ctx, latest, tokErr.Detail()); !ok {
		return nil, primaryErr
	}

	restored, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err = s.cachedOrRefresh(ctx, restored, true)
	if err != nil {
		return nil, err
	}
	res.Outcome = model.OutcomeRolledBack
	return res, nil
}

// OnAuthOrSelectFailure lets the IMAP layer trigger a rollback after the
// server rejected an authentication or mailbox select with errText. It
// returns the restored mailbox to retry with, or nil when no retry should
// happen: the text does not look like an auth or throttling problem, the
// mailbox has no OAuth refresh credential, or the rollback failed.
func (s *TokenService) OnAuthOrSelectFailure(ctx context.Context, id int64, errText string) (*model.Mailbox, error) {
	if !model.IsFallbackEligibleText(errText) {
		return nil, nil
	}

	unlock := s.locks.lock(id)
	defer unlock()

	latest, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !latest.HasOAuthRefresh() || latest.TokenStatus.Terminal() {
		return nil, nil
	}

	ok, _ := s.rollbackLocked(ctx, latest, "imap_auth_error: "+errText)
	if !ok {
		return nil, nil
	}
	return s.load(ctx, id)
}

// ClearCachedToken drops the cached access token so the next request goes to
// the provider.
func (s *TokenService) ClearCachedToken(ctx context.Context, id int64) error {
	unlock := s.locks.lock(id)
	defer unlock()

	_, err := s.store.Update(ctx, id, func(m *model.Mailbox) error {
		clearAccessToken(m)
		return nil
	})
	return err
}

func (s *TokenService) load(ctx context.Context, id int64) (*model.Mailbox, error) {
	m, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load mailbox %d: %w", id, err)
	}
	if m == nil {
		return nil, fmt.Errorf("load mailbox %d: %w", id, driven.ErrMailboxNotFound)
	}
	return m, nil
}

// cachedOrRefresh answers from the cache when allowed, otherwise performs
// one refresh grant with the current refresh token.
func (s *TokenService) cachedOrRefresh(ctx context.Context, m *model.Mailbox, allowCached bool) (*TokenResult, error) {
	if allowCached {
		if token, ok := cachedAccessToken(*m, s.now()); ok {
			return &TokenResult{AccessToken: token, Mailbox: m, Outcome: model.OutcomeCached}, nil
		}
	}
	return s.refreshLocked(ctx, m)
}

func (s *TokenService) refreshLocked(ctx context.Context, m *model.Mailbox) (*TokenResult, error) {
	now := s.now()
	presented := m.RefreshToken

	grant, err := s.refresher.Refresh(ctx, m.ClientID, presented)
	if err == nil && grant.AccessToken == "" {
		err = &model.TokenError{Kind: model.TokenErrorKindToken, Message: "Access token missing."}
	}
	if err != nil {
		tokErr := asTokenError(err)
		if recErr := s.recordRefreshFailure(ctx, m.ID, tokErr, now); recErr != nil {
			return nil, recErr
		}
		s.logger.Warn("token refresh failed",
			"mailbox", m.Address,
			"kind", tokErr.Kind,
			"status_code", tokErr.StatusCode,
			"error", tokErr.Message,
		)
		return nil, tokErr
	}

	rotated := grant.RefreshToken != "" && grant.RefreshToken != presented

	updated, err := s.store.Update(ctx, m.ID, func(cur *model.Mailbox) error {
		if cur.RefreshToken != presented {
			return errCredentialReplaced
		}
		if rotated {
			s.applyRotation(cur, grant.RefreshToken, now)
		} else {
			s.applyChecked(cur, now)
		}
		putAccessToken(cur, grant.AccessToken, now, grant.ExpiresIn)
		return nil
	})
	if errors.Is(err, errCredentialReplaced) {
		s.logger.Warn("mailbox re-imported during refresh, grant not persisted", "mailbox", m.Address)
		latest, loadErr := s.load(ctx, m.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		return &TokenResult{AccessToken: grant.AccessToken, Mailbox: latest, Outcome: model.OutcomeRefreshed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store refresh result for %q: %w", m.Address, err)
	}

	s.logger.Debug("token refreshed", "mailbox", m.Address, "rotated", rotated, "status", updated.TokenStatus)

	return &TokenResult{AccessToken: grant.AccessToken, Mailbox: updated, Outcome: model.OutcomeRefreshed}, nil
}

// applyRotation moves the presented token to the previous slot and installs
// the provider's new one.
func (s *TokenService) applyRotation(m *model.Mailbox, newToken string, now time.Time) {
	m.RefreshTokenPrev = m.RefreshToken
	m.RefreshTokenPrevUpdatedAt = now
	m.RefreshToken = newToken
	m.RefreshTokenUpdatedAt = now
	m.RefreshTokenExpiresAt = s.policy.expiresAt(now)

	m.TokenStatus = model.TokenStatusHealthy
	clearTokenProblems(m)
	m.TokenLastWarning = ""
	m.TokenRefreshPriority = false
	m.TokenNextRefreshAt = s.policy.nextRefresh(now)
}

// applyChecked records that the provider accepted the current token without
// rotating it. A warning-like status survives a single clean refresh.
func (s *TokenService) applyChecked(m *model.Mailbox, now time.Time) {
	m.RefreshTokenUpdatedAt = now
	m.RefreshTokenExpiresAt = s.policy.expiresAt(now)

	if !m.TokenStatus.KeepsWarning() {
		m.TokenStatus = model.TokenStatusHealthy
		m.TokenLastWarning = ""
	}
	clearTokenProblems(m)
	m.TokenRefreshPriority = false
	m.TokenNextRefreshAt = s.policy.nextRefresh(now)
}

func (s *TokenService) recordRefreshFailure(ctx context.Context, id int64, tokErr *model.TokenError, now time.Time) error {
	_, err := s.store.Update(ctx, id, func(m *model.Mailbox) error {
		if !m.TokenStatus.Terminal() {
			m.TokenStatus = model.TokenStatusWarning
		}
		m.TokenLastError = tokErr.Detail()
		m.TokenLastErrorAt = now
		m.TokenRefreshPriority = false
		m.TokenNextRefreshAt = s.policy.nextRetry(now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record refresh failure: %w", err)
	}
	return nil
}

// rollbackLocked tries to reinstate the previous refresh token after the
// current one failed for reason. It validates the previous token with a real
// refresh grant first. It never returns an error: store failures are logged
// and reported as an unsuccessful rollback.
func (s *TokenService) rollbackLocked(ctx context.Context, m *model.Mailbox, reason string) (bool, string) {
	now := s.now()
	failed := m.RefreshToken

	if m.RefreshTokenPrev == "" {
		warning := "Token fallback unavailable: no previous token. Reason: " + reason
		s.markDegraded(ctx, m, warning, "", now)
		return false, warning
	}

	grant, err := s.refresher.Refresh(ctx, m.ClientID, m.RefreshTokenPrev)
	if err == nil && grant.AccessToken == "" {
		err = &model.TokenError{Kind: model.TokenErrorKindToken, Message: "Access token missing."}
	}
	if err != nil {
		tokErr := asTokenError(err)
		warning := fmt.Sprintf("Token fallback failed: previous token invalid (%s).", tokErr.Message)
		s.markDegraded(ctx, m, warning, tokErr.Message, now)
		return false, warning
	}

	restored := m.RefreshTokenPrev
	if grant.RefreshToken != "" {
		restored = grant.RefreshToken
	}

	_, err = s.store.Update(ctx, m.ID, func(cur *model.Mailbox) error {
		if cur.RefreshToken != failed {
			return errCredentialReplaced
		}
		cur.RefreshToken = restored
		cur.RefreshTokenUpdatedAt = now
		cur.RefreshTokenExpiresAt = s.policy.expiresAt(now)
		cur.RefreshTokenPrev = failed
		cur.RefreshTokenPrevUpdatedAt = now
		if cur.RefreshTokenPrev == cur.RefreshToken {
			cur.RefreshTokenPrev = ""
		}
		putAccessToken(cur, grant.AccessToken, now, grant.ExpiresIn)

		cur.TokenStatus = model.TokenStatusRollbackOK
		cur.TokenLastWarning = "Token rollback succeeded using previous refresh token. Cause: " + reason
		clearTokenProblems(cur)
		cur.TokenRefreshPriority = false
		cur.TokenNextRefreshAt = s.policy.nextRefresh(now)
		return nil
	})
	if err != nil {
		s.logger.Error("store rollback result failed", "mailbox", m.Address, "error", err)
		return false, "Token fallback failed: " + err.Error()
	}

	warning := fmt.Sprintf("Rollback applied for %s: switched to previous refresh token.", m.Address)
	addWarning(ctx, warning)
	s.logger.Warn("refresh token rolled back", "mailbox", m.Address, "cause", reason)
	return true, warning
}

// markDegraded flags the mailbox as needing re-import. errText, when set, is
// recorded as the last error alongside the warning.
func (s *TokenService) markDegraded(ctx context.Context, m *model.Mailbox, warning, errText string, now time.Time) {
	_, err := s.store.Update(ctx, m.ID, func(cur *model.Mailbox) error {
		cur.TokenStatus = model.TokenStatusDegraded
		cur.TokenLastWarning = warning
		if errText != "" {
			cur.TokenLastError = errText
			cur.TokenLastErrorAt = now
		}
		cur.TokenRefreshPriority = false
		cur.TokenNextRefreshAt = s.policy.nextRetry(now)
		return nil
	})
	if err != nil {
		s.logger.Error("store degraded status failed", "mailbox", m.Address, "error", err)
		return
	}
	addWarning(ctx, warning)
	s.logger.Warn("refresh token degraded", "mailbox", m.Address, "warning", warning)
}

func clearTokenProblems(m *model.Mailbox) {
	m.TokenLastError = ""
	m.TokenLastErrorAt = time.Time{}
}

// asTokenError normalizes refresher failures. Anything that is not already a
// TokenError is classified from its text.
func asTokenError(err error) *model.TokenError {
	var tokErr *model.TokenError
	if errors.As(err, &tokErr) {
		return tokErr
	}
	return model.NewTokenError(0, err.Error(), err.Error())
}
