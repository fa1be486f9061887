package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// Listing limits.
const (
	DefaultMessageLimit = 20
	MaxMessageLimit     = 100
)

// ErrNoMailCredentials is returned for a mailbox with neither a password nor
// a refresh token.
var ErrNoMailCredentials = errors.New("no authentication data configured")

// MailService reads mail for stored mailboxes, obtaining OAuth access tokens
// from the TokenService. An IMAP auth or select failure that looks curable
// triggers one refresh token rollback and one retry.
type MailService struct {
	store  driven.MailboxStore
	tokens *TokenService
	reader driven.MailReader
	logger *slog.Logger
}

// NewMailService creates a MailService.
func NewMailService(store driven.MailboxStore, tokens *TokenService, reader driven.MailReader, opts ...Option) *MailService {
	o := buildOptions(opts)
	return &MailService{
		store:  store,
		tokens: tokens,
		reader: reader,
		logger: o.logger,
	}
}

// ClampLimit applies the default and bounds for a listing limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	return min(limit, MaxMessageLimit)
}

// ListMessages returns the newest messages of folder, or of the inbox and the
// junk folders when folder is empty.
func (s *MailService) ListMessages(ctx context.Context, address, folder string, limit int) ([]model.MessageSummary, error) {
	folders := model.ListFolders(folder)
	limit = ClampLimit(limit)

	var out []model.MessageSummary
	err := s.withSession(ctx, address, func(creds model.MailCredentials) error {
		msgs, err := s.reader.ListMessages(ctx, creds, folders, limit)
		out = msgs
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage fetches one message by UID.
func (s *MailService) GetMessage(ctx context.Context, address, folder string, uid uint32) (*model.Message, error) {
	folder = model.NormalizeFolder(folder)

	var out *model.Message
	err := s.withSession(ctx, address, func(creds model.MailCredentials) error {
		msg, err := s.reader.FetchMessage(ctx, creds, folder, uid)
		out = msg
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withSession runs op with credentials for address. When op fails with an
// IMAP auth or select error on an OAuth mailbox, the TokenService may roll
// back the refresh token, after which op runs once more with fallback off.
func (s *MailService) withSession(ctx context.Context, address string, op func(model.MailCredentials) error) error {
	m, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return fmt.Errorf("get mailbox %q: %w", address, err)
	}
	if m == nil {
		return fmt.Errorf("get mailbox %q: %w", address, driven.ErrMailboxNotFound)
	}

	creds, err := s.credentials(ctx, m, DefaultAccessOptions)
	if err != nil {
		return err
	}

	err = op(creds)
	var authErr *driven.MailAuthError
	if err == nil || !errors.As(err, &authErr) || !m.HasOAuthRefresh() {
		return err
	}

	var errText string
	if authErr.Err != nil {
		errText = authErr.Err.Error()
	}
	retry, rbErr := s.tokens.OnAuthOrSelectFailure(ctx, m.ID, errText)
	if rbErr != nil {
		s.logger.Error("rollback after imap failure", "mailbox", address, "error", rbErr)
		return err
	}
	if retry == nil {
		return err
	}

	s.logger.Info("retrying imap operation after rollback", "mailbox", address, "op", authErr.Op)
	creds, credErr := s.credentials(ctx, retry, AccessOptions{AllowCached: true})
	if credErr != nil {
		return credErr
	}
	return op(creds)
}

// credentials picks the IMAP auth method: XOAUTH2 with a managed access
// token, XOAUTH2 with the stored token as bearer when there is no client id,
// or password login.
func (s *MailService) credentials(ctx context.Context, m *model.Mailbox, opts AccessOptions) (model.MailCredentials, error) {
	creds := model.MailCredentials{Address: m.Address}

	switch {
	case m.HasOAuthRefresh():
		res, err := s.tokens.AccessToken(ctx, m.ID, opts)
		if err != nil {
			return creds, fmt.Errorf("access token for %q: %w", m.Address, err)
		}
		creds.AccessToken = res.AccessToken
	case m.RefreshToken != "":
		creds.AccessToken = m.RefreshToken
	case m.Password != "":
		creds.Password = m.Password
	default:
		return creds, fmt.Errorf("mailbox %q: %w", m.Address, ErrNoMailCredentials)
	}

	return creds, nil
}
