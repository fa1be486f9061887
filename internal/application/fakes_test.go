package application_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// --- Mock implementations ---

// memStore is an in-memory MailboxStore with the same eligibility rules as
// the SQLite adapter.
type memStore struct {
	mu      sync.Mutex
	byID    map[int64]model.Mailbox
	nextID  int64
	getErr  error
	updates int
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[int64]model.Mailbox)}
}

func (s *memStore) GetByID(_ context.Context, id int64) (*model.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	m, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *memStore) GetByAddress(_ context.Context, address string) (*model.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.Address == address {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListAll(_ context.Context) ([]model.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Mailbox, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *memStore) Update(_ context.Context, id int64, mutate driven.MailboxMutation) (*model.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("update mailbox %d: %w", id, driven.ErrMailboxNotFound)
	}
	next := cur
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	if next.UpdatedAt.Equal(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Second)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.byID[id] = next
	s.updates++
	return &next, nil
}

func (s *memStore) Upsert(_ context.Context, address string, build func(existing *model.Mailbox) (model.Mailbox, error)) (*model.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *model.Mailbox
	for _, m := range s.byID {
		if m.Address == address {
			existing = &m
			break
		}
	}

	next, err := build(existing)
	if err != nil {
		return nil, err
	}
	next.Address = address
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if existing != nil {
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
	} else {
		s.nextID++
		next.ID = s.nextID
	}
	s.byID[next.ID] = next
	return &next, nil
}

func (s *memStore) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.byID {
		if m.Address == address {
			delete(s.byID, id)
			return nil
		}
	}
	return fmt.Errorf("delete mailbox %q: %w", address, driven.ErrMailboxNotFound)
}

func (s *memStore) NextDueForRefresh(_ context.Context, now, staleBefore time.Time) (*model.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.Mailbox
	for _, m := range s.byID {
		if !m.HasOAuthRefresh() || m.TokenStatus == model.TokenStatusDegraded {
			continue
		}
		if m.TokenRefreshPriority ||
			m.TokenNextRefreshAt.IsZero() || !m.TokenNextRefreshAt.After(now) ||
			m.RefreshTokenUpdatedAt.IsZero() || !m.RefreshTokenUpdatedAt.After(staleBefore) {
			due = append(due, m)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.TokenRefreshPriority != b.TokenRefreshPriority {
			return a.TokenRefreshPriority
		}
		if !a.TokenNextRefreshAt.Equal(b.TokenNextRefreshAt) {
			return a.TokenNextRefreshAt.Before(b.TokenNextRefreshAt)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return &due[0], nil
}

// put stores m as given and returns it with its assigned id.
func (s *memStore) put(t *testing.T, m model.Mailbox) model.Mailbox {
	t.Helper()
	if m.TokenStatus == "" {
		m.TokenStatus = model.TokenStatusUnknown
	}
	require.NoError(t, m.Validate())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.byID[m.ID] = m
	return m
}

func (s *memStore) get(t *testing.T, id int64) model.Mailbox {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	require.True(t, ok, "mailbox %d missing", id)
	return m
}

// grantResult is the scripted provider answer for one refresh token.
type grantResult struct {
	grant *driven.TokenGrant
	err   error
}

// fakeRefresher answers refresh grants from a per-token script. Unknown
// tokens are rejected like an invalid_grant.
type fakeRefresher struct {
	mu        sync.Mutex
	responses map[string]grantResult
	calls     []string
	delay     time.Duration
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{responses: make(map[string]grantResult)}
}

func (f *fakeRefresher) accept(refreshToken, accessToken, rotated string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[refreshToken] = grantResult{grant: &driven.TokenGrant{
		AccessToken:  accessToken,
		RefreshToken: rotated,
		ExpiresIn:    3600,
	}}
}

func (f *fakeRefresher) reject(refreshToken string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[refreshToken] = grantResult{err: err}
}

func (f *fakeRefresher) Refresh(_ context.Context, clientID, refreshToken string) (*driven.TokenGrant, error) {
	if clientID == "" || refreshToken == "" {
		return nil, &model.TokenError{Kind: model.TokenErrorKindToken, Message: "missing client_id or refresh_token"}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refreshToken)

	r, ok := f.responses[refreshToken]
	if !ok {
		return nil, &model.TokenError{Kind: model.TokenErrorKindToken, StatusCode: 400, Message: "invalid_grant: AADSTS70000"}
	}
	if r.err != nil {
		return nil, r.err
	}
	g := *r.grant
	return &g, nil
}

func (f *fakeRefresher) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeReader records the credentials of each IMAP session and fails the
// sessions whose access token is listed in failTokens.
type fakeReader struct {
	mu         sync.Mutex
	sessions   []model.MailCredentials
	folders    [][]string
	failTokens map[string]error
	messages   []model.MessageSummary
}

func (r *fakeReader) check(creds model.MailCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, creds)
	if err, ok := r.failTokens[creds.AccessToken]; ok {
		return err
	}
	return nil
}

func (r *fakeReader) ListMessages(_ context.Context, creds model.MailCredentials, folders []string, limit int) ([]model.MessageSummary, error) {
	if err := r.check(creds); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.folders = append(r.folders, folders)
	r.mu.Unlock()
	if len(r.messages) > limit {
		return r.messages[:limit], nil
	}
	return r.messages, nil
}

func (r *fakeReader) FetchMessage(_ context.Context, creds model.MailCredentials, folder string, uid uint32) (*model.Message, error) {
	if err := r.check(creds); err != nil {
		return nil, err
	}
	return &model.Message{MessageSummary: model.MessageSummary{UID: uid, Folder: folder, Subject: "hello"}}, nil
}

// fixedClock returns a controllable clock for the services.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")
