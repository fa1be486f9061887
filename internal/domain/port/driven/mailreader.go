package driven

import (
	"context"
	"errors"
	"fmt"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
)

// MailAuthError marks an IMAP authentication or mailbox-select failure. These
// are the failures that may be cured by rolling back the refresh token.
type MailAuthError struct {
	Op  string // "authenticate", "login" or "select".
	Err error
}

func (e *MailAuthError) Error() string {
	return fmt.Sprintf("imap %s failed: %v", e.Op, e.Err)
}

func (e *MailAuthError) Unwrap() error {
	return e.Err
}

// MailReader is the driven port for reading messages over IMAP. Each call
// opens and closes its own session.
type MailReader interface {
	// ListMessages returns up to limit newest messages across folders. A
	// folder that cannot be selected is skipped unless the failure looks
	// like an auth problem, which is returned as *MailAuthError.
	ListMessages(ctx context.Context, creds model.MailCredentials, folders []string, limit int) ([]model.MessageSummary, error)
	FetchMessage(ctx context.Context, creds model.MailCredentials, folder string, uid uint32) (*model.Message, error)
}

// ErrMessageNotFound is returned by FetchMessage when the UID does not exist
// in the folder.
var ErrMessageNotFound = errors.New("message not found")
