package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MailboxStore = (*MailboxRepo)(nil)

const mailboxColumns = `id, address, password, client_id, refresh_token, refresh_token_prev,
	refresh_token_updated_at, refresh_token_prev_updated_at, refresh_token_expires_at,
	access_token_cached, access_token_expires_at, token_next_refresh_at, token_refresh_priority,
	token_status, token_last_error, token_last_error_at, token_last_warning, created_at, updated_at`

// mailboxRow mirrors one mailboxes row. Timestamps are unix seconds, 0 meaning unset.
type mailboxRow struct {
	ID                        int64  `db:"id"`
	Address                   string `db:"address"`
	Password                  string `db:"password"`
	ClientID                  string `db:"client_id"`
	RefreshToken              string `db:"refresh_token"`
	RefreshTokenPrev          string `db:"refresh_token_prev"`
	RefreshTokenUpdatedAt     int64  `db:"refresh_token_updated_at"`
	RefreshTokenPrevUpdatedAt int64  `db:"refresh_token_prev_updated_at"`
	RefreshTokenExpiresAt     int64  `db:"refresh_token_expires_at"`
	AccessTokenCached         string `db:"access_token_cached"`
	AccessTokenExpiresAt      int64  `db:"access_token_expires_at"`
	TokenNextRefreshAt        int64  `db:"token_next_refresh_at"`
	TokenRefreshPriority      int    `db:"token_refresh_priority"`
	TokenStatus               string `db:"token_status"`
	TokenLastError            string `db:"token_last_error"`
	TokenLastErrorAt          int64  `db:"token_last_error_at"`
	TokenLastWarning          string `db:"token_last_warning"`
	CreatedAt                 int64  `db:"created_at"`
	UpdatedAt                 int64  `db:"updated_at"`
}

// MailboxRepo is the SQLite implementation of the MailboxStore port interface.
// Password, refresh tokens and the cached access token are sealed with
// AES-256-GCM when a key is configured.
type MailboxRepo struct {
	db  *DB
	box *secretBox
}

// NewMailboxRepo creates a new MailboxRepo. key must be 32 bytes for AES-256-GCM,
// or nil to store secrets as plaintext.
func NewMailboxRepo(db *DB, key []byte) (*MailboxRepo, error) {
	box, err := newSecretBox(key)
	if err != nil {
		return nil, err
	}
	return &MailboxRepo{db: db, box: box}, nil
}

// GetByID returns the mailbox with the given id, or nil if it does not exist.
func (r *MailboxRepo) GetByID(ctx context.Context, id int64) (*model.Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE id = ?`
	return r.getOne(ctx, r.db.Reader, query, id)
}

// GetByAddress returns the mailbox with the given address, or nil if it does not exist.
func (r *MailboxRepo) GetByAddress(ctx context.Context, address string) (*model.Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE address = ?`
	return r.getOne(ctx, r.db.Reader, query, address)
}

// ListAll returns all mailboxes ordered by created_at DESC.
func (r *MailboxRepo) ListAll(ctx context.Context) ([]model.Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes ORDER BY created_at DESC, id DESC`

	var rows []mailboxRow
	if err := r.db.Reader.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	mailboxes := make([]model.Mailbox, 0, len(rows))
	for _, row := range rows {
		m, err := r.toModel(row)
		if err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, m)
	}
	return mailboxes, nil
}

// Update applies mutate to the stored record inside a single write transaction.
func (r *MailboxRepo) Update(ctx context.Context, id int64, mutate driven.MailboxMutation) (*model.Mailbox, error) {
	var result *model.Mailbox

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE id = ?`
		current, err := r.getOne(ctx, tx, query, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("update mailbox %d: %w", id, driven.ErrMailboxNotFound)
		}

		next := *current
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		if next.UpdatedAt.Equal(current.UpdatedAt) {
			next.UpdatedAt = time.Now().UTC()
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("update mailbox %q: %w", next.Address, err)
		}

		if err := r.write(ctx, tx, next); err != nil {
			return err
		}
		result, err = r.getOne(ctx, tx, query, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Upsert inserts or replaces the mailbox for address in one write transaction.
func (r *MailboxRepo) Upsert(ctx context.Context, address string, build func(existing *model.Mailbox) (model.Mailbox, error)) (*model.Mailbox, error) {
	var result *model.Mailbox

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE address = ?`
		existing, err := r.getOne(ctx, tx, query, address)
		if err != nil {
			return err
		}

		next, err := build(existing)
		if err != nil {
			return err
		}
		next.Address = address
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = next.UpdatedAt
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("upsert mailbox %q: %w", address, err)
		}

		if existing != nil {
			next.ID = existing.ID
			next.CreatedAt = existing.CreatedAt
			if err := r.write(ctx, tx, next); err != nil {
				return err
			}
			result, err = r.getOne(ctx, tx, query, address)
			return err
		}

		row, err := r.fromModel(next)
		if err != nil {
			return err
		}
		const insert = `INSERT INTO mailboxes (
			address, password, client_id, refresh_token, refresh_token_prev,
			refresh_token_updated_at, refresh_token_prev_updated_at, refresh_token_expires_at,
			access_token_cached, access_token_expires_at, token_next_refresh_at, token_refresh_priority,
			token_status, token_last_error, token_last_error_at, token_last_warning, created_at, updated_at
		) VALUES (
			:address, :password, :client_id, :refresh_token, :refresh_token_prev,
			:refresh_token_updated_at, :refresh_token_prev_updated_at, :refresh_token_expires_at,
			:access_token_cached, :access_token_expires_at, :token_next_refresh_at, :token_refresh_priority,
			:token_status, :token_last_error, :token_last_error_at, :token_last_warning, :created_at, :updated_at
		)`
		if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
			return fmt.Errorf("insert mailbox %q: %w", address, err)
		}
		result, err = r.getOne(ctx, tx, query, address)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the mailbox with the given address. Returns ErrMailboxNotFound
// if no row matched.
func (r *MailboxRepo) Delete(ctx context.Context, address string) error {
	const query = `DELETE FROM mailboxes WHERE address = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, address)
	if err != nil {
		return fmt.Errorf("delete mailbox %q: %w", address, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete mailbox %q: %w", address, driven.ErrMailboxNotFound)
	}
	return nil
}

// NextDueForRefresh picks the single most eligible mailbox for a keepalive
// refresh. Priority mailboxes come first, then the earliest scheduled, then the
// least recently serviced. Degraded mailboxes are left alone.
func (r *MailboxRepo) NextDueForRefresh(ctx context.Context, now, staleBefore time.Time) (*model.Mailbox, error) {
	query := `SELECT ` + mailboxColumns + `
		FROM mailboxes
		WHERE client_id != ''
		  AND refresh_token != ''
		  AND token_status != ?
		  AND (
				token_refresh_priority = 1
				OR token_next_refresh_at <= ?
				OR token_next_refresh_at = 0
				OR refresh_token_updated_at = 0
				OR refresh_token_updated_at <= ?
		  )
		ORDER BY token_refresh_priority DESC, token_next_refresh_at ASC, updated_at ASC, id ASC
		LIMIT 1`

	return r.getOne(ctx, r.db.Reader, query, string(model.TokenStatusDegraded), now.Unix(), staleBefore.Unix())
}

func (r *MailboxRepo) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*model.Mailbox, error) {
	var row mailboxRow
	err := sqlx.GetContext(ctx, q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}

	m, err := r.toModel(row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MailboxRepo) write(ctx context.Context, tx *sqlx.Tx, m model.Mailbox) error {
	row, err := r.fromModel(m)
	if err != nil {
		return err
	}

	const update = `UPDATE mailboxes SET
		password = :password, client_id = :client_id,
		refresh_token = :refresh_token, refresh_token_prev = :refresh_token_prev,
		refresh_token_updated_at = :refresh_token_updated_at,
		refresh_token_prev_updated_at = :refresh_token_prev_updated_at,
		refresh_token_expires_at = :refresh_token_expires_at,
		access_token_cached = :access_token_cached, access_token_expires_at = :access_token_expires_at,
		token_next_refresh_at = :token_next_refresh_at, token_refresh_priority = :token_refresh_priority,
		token_status = :token_status, token_last_error = :token_last_error,
		token_last_error_at = :token_last_error_at, token_last_warning = :token_last_warning,
		updated_at = :updated_at
		WHERE id = :id`

	if _, err := tx.NamedExecContext(ctx, update, row); err != nil {
		return fmt.Errorf("write mailbox %q: %w", m.Address, err)
	}
	return nil
}

// inTx runs fn inside a writer transaction, committing on success.
func (r *MailboxRepo) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *MailboxRepo) toModel(row mailboxRow) (model.Mailbox, error) {
	m := model.Mailbox{
		ID:                        row.ID,
		Address:                   row.Address,
		ClientID:                  row.ClientID,
		RefreshTokenUpdatedAt:     fromUnix(row.RefreshTokenUpdatedAt),
		RefreshTokenPrevUpdatedAt: fromUnix(row.RefreshTokenPrevUpdatedAt),
		RefreshTokenExpiresAt:     fromUnix(row.RefreshTokenExpiresAt),
		AccessTokenExpiresAt:      fromUnix(row.AccessTokenExpiresAt),
		TokenNextRefreshAt:        fromUnix(row.TokenNextRefreshAt),
		TokenRefreshPriority:      row.TokenRefreshPriority == 1,
		TokenStatus:               model.TokenStatus(row.TokenStatus),
		TokenLastError:            row.TokenLastError,
		TokenLastErrorAt:          fromUnix(row.TokenLastErrorAt),
		TokenLastWarning:          row.TokenLastWarning,
		CreatedAt:                 fromUnix(row.CreatedAt),
		UpdatedAt:                 fromUnix(row.UpdatedAt),
	}

	secrets := []struct {
		dst  *string
		src  string
		name string
	}{
		{&m.Password, row.Password, "password"},
		{&m.RefreshToken, row.RefreshToken, "refresh_token"},
		{&m.RefreshTokenPrev, row.RefreshTokenPrev, "refresh_token_prev"},
		{&m.AccessTokenCached, row.AccessTokenCached, "access_token_cached"},
	}
	for _, s := range secrets {
		plain, err := r.box.open(s.src)
		if err != nil {
			return model.Mailbox{}, fmt.Errorf("decrypt %s for mailbox %q: %w", s.name, row.Address, err)
		}
		*s.dst = plain
	}

	return m, nil
}

func (r *MailboxRepo) fromModel(m model.Mailbox) (mailboxRow, error) {
	row := mailboxRow{
		ID:                        m.ID,
		Address:                   m.Address,
		ClientID:                  m.ClientID,
		RefreshTokenUpdatedAt:     toUnix(m.RefreshTokenUpdatedAt),
		RefreshTokenPrevUpdatedAt: toUnix(m.RefreshTokenPrevUpdatedAt),
		RefreshTokenExpiresAt:     toUnix(m.RefreshTokenExpiresAt),
		AccessTokenExpiresAt:      toUnix(m.AccessTokenExpiresAt),
		TokenNextRefreshAt:        toUnix(m.TokenNextRefreshAt),
		TokenStatus:               string(m.TokenStatus),
		TokenLastError:            m.TokenLastError,
		TokenLastErrorAt:          toUnix(m.TokenLastErrorAt),
		TokenLastWarning:          m.TokenLastWarning,
		CreatedAt:                 toUnix(m.CreatedAt),
		UpdatedAt:                 toUnix(m.UpdatedAt),
	}
	if m.TokenRefreshPriority {
		row.TokenRefreshPriority = 1
	}

	secrets := []struct {
		dst  *string
		src  string
		name string
	}{
		{&row.Password, m.Password, "password"},
		{&row.RefreshToken, m.RefreshToken, "refresh_token"},
		{&row.RefreshTokenPrev, m.RefreshTokenPrev, "refresh_token_prev"},
		{&row.AccessTokenCached, m.AccessTokenCached, "access_token_cached"},
	}
	for _, s := range secrets {
		sealed, err := r.box.seal(s.src)
		if err != nil {
			return mailboxRow{}, fmt.Errorf("encrypt %s for mailbox %q: %w", s.name, m.Address, err)
		}
		*s.dst = sealed
	}

	return row, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
