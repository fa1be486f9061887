package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V1an1337/MailAdmin/internal/application"
	"github.com/V1an1337/MailAdmin/internal/domain/model"
)

func newKeepalive(f *tokenFixture) *application.KeepaliveService {
	return application.NewKeepaliveService(f.store, f.svc, f.policy, 10*time.Millisecond, f.opts()...)
}

func importOAuth(t *testing.T, f *tokenFixture, address, token string) model.Mailbox {
	t.Helper()
	mailboxes := application.NewMailboxService(f.store, f.opts()...)
	_, err := mailboxes.Import(context.Background(), []model.MailboxImport{
		{Address: address, ClientID: "client", RefreshToken: token},
	})
	require.NoError(t, err)

	m, err := f.store.GetByAddress(context.Background(), address)
	require.NoError(t, err)
	require.NotNil(t, m)
	return *m
}

func TestKeepalive_RunOnceNothingDue(t *testing.T) {
	f := newTokenFixture(t)
	f.store.put(t, model.Mailbox{Address: "password@outlook.com", Password: "p"})

	processed, err := newKeepalive(f).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Empty(t, f.refresher.callLog())
}

// Scenarios A to D: import, validation, rotation, rollback, degradation.
func TestKeepalive_Lifecycle(t *testing.T) {
	f := newTokenFixture(t)
	ka := newKeepalive(f)
	ctx := context.Background()

	// A: a fresh import is validated first, without rotation.
	m := importOAuth(t, f, "user@outlook.com", "T1")
	assert.Equal(t, model.TokenStatusPendingInitial, m.TokenStatus)
	assert.True(t, m.TokenRefreshPriority)

	f.refresher.accept("T1", "A1", "")
	processed, err := ka.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got := f.store.get(t, m.ID)
	assert.Equal(t, []string{"T1"}, f.refresher.callLog())
	assert.Equal(t, model.TokenStatusHealthy, got.TokenStatus)
	assert.False(t, got.TokenRefreshPriority)
	assert.Equal(t, f.clock.Now().Add(60*24*time.Hour), got.TokenNextRefreshAt)

	processed, err = ka.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a healthy mailbox is not due until its next refresh")

	// B: the provider rotates.
	f.clock.Advance(61 * 24 * time.Hour)
	f.refresher.accept("T1", "A2", "T2")
	processed, err = ka.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got = f.store.get(t, m.ID)
	assert.Equal(t, "T2", got.RefreshToken)
	assert.Equal(t, "T1", got.RefreshTokenPrev)
	assert.Equal(t, model.TokenStatusHealthy, got.TokenStatus)

	// C: T2 is rejected, T1 still works.
	f.clock.Advance(61 * 24 * time.Hour)
	f.refresher.reject("T2", &model.TokenError{Kind: model.TokenErrorKindToken, StatusCode: 400, Message: "invalid_grant"})
	f.refresher.accept("T1", "A3", "")
	processed, err = ka.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got = f.store.get(t, m.ID)
	assert.Equal(t, "T1", got.RefreshToken)
	assert.Equal(t, "T2", got.RefreshTokenPrev)
	assert.Equal(t, model.TokenStatusRollbackOK, got.TokenStatus)
	assert.NotEmpty(t, got.TokenLastWarning)

	// D: both tokens are rejected.
	f.clock.Advance(61 * 24 * time.Hour)
	f.refresher.reject("T1", &model.TokenError{Kind: model.TokenErrorKindToken, StatusCode: 400, Message: "invalid_grant"})
	processed, err = ka.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got = f.store.get(t, m.ID)
	assert.Equal(t, model.TokenStatusDegraded, got.TokenStatus)
	assert.Equal(t, "T1", got.RefreshToken)
	assert.Equal(t, "T2", got.RefreshTokenPrev)
	assert.Equal(t, "Token fallback failed: previous token invalid (invalid_grant).", got.TokenLastWarning,
		"keepalive keeps the more specific rollback diagnosis")
	assert.Equal(t, "token_error: invalid_grant", got.TokenLastError)

	// Degraded mailboxes are left alone from here on.
	calls := len(f.refresher.callLog())
	f.clock.Advance(365 * 24 * time.Hour)
	processed, err = ka.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Len(t, f.refresher.callLog(), calls)
	assert.Equal(t, "T1", f.store.get(t, m.ID).RefreshToken)
}

func TestKeepalive_PriorityBeatsSchedule(t *testing.T) {
	f := newTokenFixture(t)
	now := f.clock.Now()
	f.store.put(t, model.Mailbox{
		Address:               "overdue@outlook.com",
		ClientID:              "client",
		RefreshToken:          "OLD",
		TokenStatus:           model.TokenStatusHealthy,
		TokenNextRefreshAt:    now.Add(-48 * time.Hour),
		RefreshTokenUpdatedAt: now.Add(-time.Hour),
	})
	fresh := importOAuth(t, f, "new@outlook.com", "NEW")
	f.refresher.accept("NEW", "A", "")
	f.refresher.accept("OLD", "A", "")

	_, err := newKeepalive(f).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"NEW"}, f.refresher.callLog())
	assert.Equal(t, model.TokenStatusHealthy, f.store.get(t, fresh.ID).TokenStatus)
}

func TestKeepalive_IgnoresCachedAccessToken(t *testing.T) {
	f := newTokenFixture(t)
	m := f.store.put(t, model.Mailbox{
		Address:              "user@outlook.com",
		ClientID:             "client",
		RefreshToken:         "T1",
		TokenStatus:          model.TokenStatusHealthy,
		TokenRefreshPriority: true,
		AccessTokenCached:    "cached",
		AccessTokenExpiresAt: f.clock.Now().Add(time.Hour),
	})
	f.refresher.accept("T1", "fresh", "")

	_, err := newKeepalive(f).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"T1"}, f.refresher.callLog())
	assert.Equal(t, "fresh", f.store.get(t, m.ID).AccessTokenCached)
}

func TestKeepalive_FailureBacksOff(t *testing.T) {
	f := newTokenFixture(t)
	m := f.store.put(t, model.Mailbox{
		Address:               "user@outlook.com",
		ClientID:              "client",
		RefreshToken:          "T1",
		TokenStatus:           model.TokenStatusHealthy,
		TokenRefreshPriority:  true,
		RefreshTokenUpdatedAt: f.clock.Now().Add(-time.Hour),
	})
	f.store.mu.Lock()
	f.store.getErr = errBoom
	f.store.mu.Unlock()

	processed, err := newKeepalive(f).RunOnce(context.Background())
	require.NoError(t, err, "refresh failures never escape the keepalive pass")
	assert.True(t, processed)

	f.store.mu.Lock()
	f.store.getErr = nil
	f.store.mu.Unlock()
	got := f.store.get(t, m.ID)
	assert.Equal(t, model.TokenStatusWarning, got.TokenStatus)
	assert.Contains(t, got.TokenLastError, "keepalive_error: ")
	assert.Contains(t, got.TokenLastWarning, "Keepalive refresh failed: ")
	assert.False(t, got.TokenRefreshPriority)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), got.TokenNextRefreshAt)

	processed, err = newKeepalive(f).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "the failed mailbox waits out the backoff")
}

func TestKeepalive_RefreshNowWithoutLoop(t *testing.T) {
	f := newTokenFixture(t)
	m := f.oauthMailbox(t, "T1", "", model.TokenStatusHealthy)
	f.refresher.accept("T1", "A1", "T2")

	got, err := newKeepalive(f).RefreshNow(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "T2", got.RefreshToken)
}

func TestKeepalive_RefreshNowReportsFailure(t *testing.T) {
	f := newTokenFixture(t)
	m := f.oauthMailbox(t, "T1", "", model.TokenStatusHealthy)

	_, err := newKeepalive(f).RefreshNow(context.Background(), m.ID)
	require.Error(t, err)

	var tokErr *model.TokenError
	assert.ErrorAs(t, err, &tokErr)
	assert.Equal(t, model.TokenStatusDegraded, f.store.get(t, m.ID).TokenStatus)
}

func TestKeepalive_StartProcessesAndServesRefreshRequests(t *testing.T) {
	f := newTokenFixture(t)
	ka := newKeepalive(f)
	m := importOAuth(t, f, "user@outlook.com", "T1")
	f.refresher.accept("T1", "A1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ka.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.store.get(t, m.ID).TokenStatus == model.TokenStatusHealthy
	}, time.Second, 5*time.Millisecond)

	f.refresher.accept("T1", "A2", "T2")
	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	got, err := ka.RefreshNow(reqCtx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "T2", got.RefreshToken)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepalive did not stop after cancel")
	}
}

func TestKeepalive_RefreshNowThroughLoopSurfacesRollbackWarning(t *testing.T) {
	f := newTokenFixture(t)
	ka := newKeepalive(f)
	m := f.store.put(t, model.Mailbox{
		Address:               "user@outlook.com",
		ClientID:              "client",
		RefreshToken:          "T2",
		RefreshTokenPrev:      "T1",
		TokenStatus:           model.TokenStatusHealthy,
		TokenNextRefreshAt:    f.clock.Now().Add(24 * time.Hour),
		RefreshTokenUpdatedAt: f.clock.Now(),
	})
	f.refresher.accept("T1", "A1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ka.Start(ctx)
		close(done)
	}()
	require.Eventually(t, ka.Running, time.Second, 5*time.Millisecond)

	reqCtx, reqCancel := context.WithTimeout(application.WithWarnings(context.Background()), time.Second)
	defer reqCancel()
	got, err := ka.RefreshNow(reqCtx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "T1", got.RefreshToken)
	assert.Equal(t, model.TokenStatusRollbackOK, got.TokenStatus)
	assert.Equal(t, "Rollback applied for user@outlook.com: switched to previous refresh token.", application.TakeWarning(reqCtx))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepalive did not stop after cancel")
	}
}
