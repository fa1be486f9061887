package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// importFieldSep separates the four fields of a text import line.
const importFieldSep = "----"

// ImportResult summarizes one import request.
type ImportResult struct {
	Imported int      `json:"imported"`
	Errors   []string `json:"errors"`
}

// ParseImportText parses the line based import format
// address----password----client_id----refresh_token. Blank lines and lines
// starting with # are skipped. Malformed lines are reported by line number
// and do not stop the parse.
func ParseImportText(payload string) ([]model.MailboxImport, []string) {
	var items []model.MailboxImport
	errs := []string{}

	for idx, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, importFieldSep)
		if len(parts) != 4 {
			errs = append(errs, fmt.Sprintf("Line %d: expected 4 fields.", idx+1))
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[0] == "" {
			errs = append(errs, fmt.Sprintf("Line %d: address missing.", idx+1))
			continue
		}

		items = append(items, model.MailboxImport{
			Address:      parts[0],
			Password:     parts[1],
			ClientID:     parts[2],
			RefreshToken: parts[3],
		})
	}

	return items, errs
}

// FormatExportText renders mailboxes in the import format, one per line.
func FormatExportText(mailboxes []model.Mailbox) string {
	lines := make([]string, 0, len(mailboxes))
	for _, m := range mailboxes {
		fields := []string{m.Address, m.Password, m.ClientID, m.RefreshToken}
		for i, f := range fields {
			f = strings.ReplaceAll(f, "\r", " ")
			f = strings.ReplaceAll(f, "\n", " ")
			fields[i] = strings.TrimSpace(f)
		}
		lines = append(lines, strings.Join(fields, importFieldSep))
	}
	return strings.Join(lines, "\n")
}

// MailboxService manages the mailbox credential records: import, export,
// listing and deletion.
type MailboxService struct {
	store  driven.MailboxStore
	now    func() time.Time
	logger *slog.Logger
}

// NewMailboxService creates a MailboxService.
func NewMailboxService(store driven.MailboxStore, opts ...Option) *MailboxService {
	o := buildOptions(opts)
	return &MailboxService{
		store:  store,
		now:    o.now,
		logger: o.logger,
	}
}

// Import creates or replaces each mailbox. A credential with both a client id
// and a refresh token is queued for immediate validation. Per-item problems
// are collected in the result; a store failure aborts the import.
func (s *MailboxService) Import(ctx context.Context, items []model.MailboxImport) (*ImportResult, error) {
	result := &ImportResult{Errors: []string{}}

	for i, item := range items {
		item = normalizeImport(item)
		if item.Address == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Item %d: address missing.", i+1))
			continue
		}

		now := s.now()
		_, err := s.store.Upsert(ctx, item.Address, func(existing *model.Mailbox) (model.Mailbox, error) {
			return applyImport(existing, item, now), nil
		})
		if err != nil {
			return nil, fmt.Errorf("import %q: %w", item.Address, err)
		}
		result.Imported++
	}

	s.logger.Info("mailboxes imported", "imported", result.Imported, "errors", len(result.Errors))
	return result, nil
}

// Export renders every mailbox in the text import format.
func (s *MailboxService) Export(ctx context.Context) (string, error) {
	mailboxes, err := s.store.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("export mailboxes: %w", err)
	}
	return FormatExportText(mailboxes), nil
}

// List returns every mailbox, newest first.
func (s *MailboxService) List(ctx context.Context) ([]model.Mailbox, error) {
	mailboxes, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return mailboxes, nil
}

// Get returns the mailbox for address or driven.ErrMailboxNotFound.
func (s *MailboxService) Get(ctx context.Context, address string) (*model.Mailbox, error) {
	m, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("get mailbox %q: %w", address, err)
	}
	if m == nil {
		return nil, fmt.Errorf("get mailbox %q: %w", address, driven.ErrMailboxNotFound)
	}
	return m, nil
}

// Delete removes the mailbox for address.
func (s *MailboxService) Delete(ctx context.Context, address string) error {
	if err := s.store.Delete(ctx, address); err != nil {
		return err
	}
	s.logger.Info("mailbox deleted", "mailbox", address)
	return nil
}

func normalizeImport(item model.MailboxImport) model.MailboxImport {
	return model.MailboxImport{
		Address:      strings.TrimSpace(item.Address),
		Password:     strings.TrimSpace(item.Password),
		ClientID:     strings.TrimSpace(item.ClientID),
		RefreshToken: strings.TrimSpace(item.RefreshToken),
	}
}

// applyImport builds the record stored for an import. The previous refresh
// token is derived by diffing against the stored one so a re-import keeps the
// rollback path. Health and cache fields start over.
func applyImport(existing *model.Mailbox, item model.MailboxImport, now time.Time) model.Mailbox {
	var m model.Mailbox
	if existing != nil {
		m = *existing
	}

	if existing != nil && existing.RefreshToken != "" && item.RefreshToken != "" && existing.RefreshToken != item.RefreshToken {
		m.RefreshTokenPrev = existing.RefreshToken
		m.RefreshTokenPrevUpdatedAt = now
	}

	m.Address = item.Address
	m.Password = item.Password
	m.ClientID = item.ClientID
	m.RefreshToken = item.RefreshToken
	if m.RefreshTokenPrev == m.RefreshToken {
		m.RefreshTokenPrev = ""
		m.RefreshTokenPrevUpdatedAt = time.Time{}
	}

	m.RefreshTokenUpdatedAt = time.Time{}
	m.RefreshTokenExpiresAt = time.Time{}
	clearAccessToken(&m)
	clearTokenProblems(&m)
	m.TokenLastWarning = ""

	if item.ClientID != "" && item.RefreshToken != "" {
		m.TokenStatus = model.TokenStatusPendingInitial
		m.TokenRefreshPriority = true
		m.TokenNextRefreshAt = now
	} else {
		m.TokenStatus = model.TokenStatusUnknown
		m.TokenRefreshPriority = false
		m.TokenNextRefreshAt = time.Time{}
	}

	m.UpdatedAt = now
	if existing == nil {
		m.CreatedAt = now
	}
	return m
}
