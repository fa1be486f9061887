package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// refreshRequest represents a manual refresh trigger.
type refreshRequest struct {
	id   int64
	done chan refreshResult
}

// refreshResult carries the outcome back to the requester, including any
// rollback warning raised on the loop's side.
type refreshResult struct {
	mailbox *model.Mailbox
	warning string
	err     error
}

// KeepaliveService refreshes OAuth mailboxes in the background before their
// refresh tokens go stale. It handles one mailbox per pass, picking the most
// eligible one from the store, and never propagates refresh failures: they
// are recorded on the mailbox and retried after a backoff.
type KeepaliveService struct {
	store     driven.MailboxStore
	tokens    *TokenService
	policy    TokenPolicy
	pace      time.Duration
	refreshCh chan refreshRequest
	running   atomic.Bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewKeepaliveService creates a KeepaliveService. pace is the target time
// between two passes that found work.
func NewKeepaliveService(store driven.MailboxStore, tokens *TokenService, policy TokenPolicy, pace time.Duration, opts ...Option) *KeepaliveService {
	o := buildOptions(opts)
	return &KeepaliveService{
		store:     store,
		tokens:    tokens,
		policy:    policy,
		pace:      pace,
		refreshCh: make(chan refreshRequest),
		now:       o.now,
		logger:    o.logger,
	}
}

// Start runs the keepalive loop until the context is canceled. It also serves
// manual refresh requests between passes.
func (s *KeepaliveService) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("token keepalive started", "pace", s.pace, "refresh_interval", s.policy.RefreshInterval)

	for {
		started := time.Now()

		var wait time.Duration
		processed, err := s.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			s.logger.Info("token keepalive stopped")
			return
		case err != nil:
			s.logger.Error("keepalive pass failed", "error", err)
			wait = loopErrorSleep
		case !processed:
			wait = idleSleep(s.pace)
		default:
			wait = paceSleep(s.pace, time.Since(started))
		}

		if !s.wait(ctx, wait) {
			s.logger.Info("token keepalive stopped")
			return
		}
	}
}

// Running reports whether the Start loop is active.
func (s *KeepaliveService) Running() bool {
	return s.running.Load()
}

// RunOnce refreshes the single most eligible mailbox, if any. It reports
// whether a mailbox was processed. Only failures to query the store are
// returned; refresh failures are recorded on the mailbox.
func (s *KeepaliveService) RunOnce(ctx context.Context) (bool, error) {
	now := s.now()
	m, err := s.store.NextDueForRefresh(ctx, now, s.policy.staleBefore(now))
	if err != nil {
		return false, fmt.Errorf("select due mailbox: %w", err)
	}
	if m == nil {
		return false, nil
	}

	_, _ = s.refreshMailbox(ctx, *m)
	return true, nil
}

// RefreshNow forces a network refresh of one mailbox. While the loop is
// running the request is handed to it so it cannot overlap a scheduled pass.
// It blocks until the refresh completes or the context is canceled.
func (s *KeepaliveService) RefreshNow(ctx context.Context, id int64) (*model.Mailbox, error) {
	if !s.running.Load() {
		return s.refreshByID(ctx, id)
	}

	done := make(chan refreshResult, 1)
	req := refreshRequest{
		id:   id,
		done: done,
	}

	select {
	case s.refreshCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-done:
		if res.warning != "" {
			addWarning(ctx, res.warning)
		}
		return res.mailbox, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// wait sleeps for d while serving manual refresh requests. It returns false
// once ctx is canceled.
func (s *KeepaliveService) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case req := <-s.refreshCh:
			reqCtx := WithWarnings(ctx)
			m, err := s.refreshByID(reqCtx, req.id)
			req.done <- refreshResult{mailbox: m, warning: TakeWarning(reqCtx), err: err}
		}
	}
}

func (s *KeepaliveService) refreshByID(ctx context.Context, id int64) (*model.Mailbox, error) {
	m, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load mailbox %d: %w", id, err)
	}
	if m == nil {
		return nil, fmt.Errorf("refresh mailbox %d: %w", id, driven.ErrMailboxNotFound)
	}
	return s.refreshMailbox(ctx, *m)
}

// refreshMailbox performs one forced refresh with rollback allowed and
// records any failure on the mailbox.
func (s *KeepaliveService) refreshMailbox(ctx context.Context, m model.Mailbox) (*model.Mailbox, error) {
	start := time.Now()

	res, err := s.tokens.AccessToken(ctx, m.ID, AccessOptions{AllowFallback: true})
	if err == nil {
		s.logger.Debug("keepalive refresh complete",
			"mailbox", m.Address,
			"outcome", res.Outcome,
			"status", res.Mailbox.TokenStatus,
			"duration", time.Since(start).Round(time.Millisecond),
		)
		return res.Mailbox, nil
	}

	if errors.Is(err, driven.ErrMailboxNotFound) {
		return nil, err
	}

	s.logger.Warn("keepalive refresh failed", "mailbox", m.Address, "error", err)
	if recErr := s.recordFailure(ctx, m.ID, err); recErr != nil {
		s.logger.Error("record keepalive failure", "mailbox", m.Address, "error", recErr)
	}
	return nil, err
}

// recordFailure schedules the next attempt after the backoff. A rollback_ok
// or degraded status carries a more specific diagnosis and is kept as is.
func (s *KeepaliveService) recordFailure(ctx context.Context, id int64, cause error) error {
	now := s.now()

	detail := "keepalive_error: " + cause.Error()
	reason := cause.Error()
	var tokErr *model.TokenError
	if errors.As(cause, &tokErr) {
		detail = tokErr.Detail()
		reason = tokErr.Message
	}

	_, err := s.store.Update(ctx, id, func(m *model.Mailbox) error {
		m.TokenLastError = detail
		m.TokenLastErrorAt = now
		m.TokenRefreshPriority = false
		m.TokenNextRefreshAt = s.policy.nextRetry(now)

		if m.TokenStatus == model.TokenStatusRollbackOK || m.TokenStatus == model.TokenStatusDegraded {
			return nil
		}
		m.TokenStatus = model.TokenStatusWarning
		m.TokenLastWarning = "Keepalive refresh failed: " + reason
		return nil
	})
	if errors.Is(err, driven.ErrMailboxNotFound) {
		return nil
	}
	return err
}
