package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// Writer and reader connections share the same in-memory database via cache=shared.
// A unique name derived from t.Name() ensures isolation between parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it's a safe SQLite URI filename component
	// and cannot be misinterpreted as query parameters in the "file:%s?..." DSN.
	safeName := url.PathEscape(t.Name())
	// WAL mode is not applicable to in-memory databases; omit journal_mode pragma.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		safeName,
	)

	db, err := open(context.Background(), dsn, dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if err := RunMigrations(db.Writer.DB); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// seedMailbox inserts a mailbox through Upsert with the given fields.
func seedMailbox(t *testing.T, repo *MailboxRepo, m model.Mailbox) *model.Mailbox {
	t.Helper()

	if m.TokenStatus == "" {
		m.TokenStatus = model.TokenStatusUnknown
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Unix(1_700_000_000, 0).UTC()
	}

	stored, err := repo.Upsert(context.Background(), m.Address, func(*model.Mailbox) (model.Mailbox, error) {
		return m, nil
	})
	require.NoError(t, err)
	require.NotNil(t, stored)
	return stored
}
