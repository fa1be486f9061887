package driven

import (
	"context"
	"errors"
	"time"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
)

// ErrMailboxNotFound is returned by MailboxStore mutations when no mailbox
// matches the given id or address.
var ErrMailboxNotFound = errors.New("mailbox not found")

// ErrEncryptionKeyInvalid is returned when MAILADMIN_SECRET_KEY is set but is
// not a base64-encoded 32-byte key.
var ErrEncryptionKeyInvalid = errors.New("encryption key must be base64 of 32 bytes: check MAILADMIN_SECRET_KEY")

// MailboxMutation edits a mailbox record in place. Returning an error aborts
// the mutation and leaves the stored record unchanged.
type MailboxMutation func(m *model.Mailbox) error

// MailboxStore defines the driven port for the credential record store.
// Secrets cross this boundary as plaintext; the adapter owns any encryption.
type MailboxStore interface {
	// GetByID returns the mailbox or (nil, nil) when it does not exist.
	GetByID(ctx context.Context, id int64) (*model.Mailbox, error)

	// GetByAddress returns the mailbox or (nil, nil) when it does not exist.
	GetByAddress(ctx context.Context, address string) (*model.Mailbox, error)

	// ListAll returns every mailbox, newest first.
	ListAll(ctx context.Context) ([]model.Mailbox, error)

	// Update applies mutate to the current record as one atomic
	// read-modify-write and returns the stored result. UpdatedAt is bumped
	// when mutate leaves it untouched. Returns ErrMailboxNotFound when the
	// mailbox is gone.
	Update(ctx context.Context, id int64, mutate MailboxMutation) (*model.Mailbox, error)

	// Upsert creates or replaces the mailbox for address atomically. build
	// receives the existing record (nil for a new address) and returns the
	// record to store.
	Upsert(ctx context.Context, address string, build func(existing *model.Mailbox) (model.Mailbox, error)) (*model.Mailbox, error)

	// Delete removes the mailbox with the given address.
	Delete(ctx context.Context, address string) error

	// NextDueForRefresh returns the single most eligible mailbox for a
	// keepalive refresh, or (nil, nil) when none is due. staleBefore is the
	// refresh_token_updated_at cutoff below which a token is due regardless
	// of its schedule.
	NextDueForRefresh(ctx context.Context, now, staleBefore time.Time) (*model.Mailbox, error)
}
