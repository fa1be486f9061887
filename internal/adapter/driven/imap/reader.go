// Package imap implements the MailReader port with go-imap v2. Every call
// dials, authenticates, reads and logs out; sessions are never pooled.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"slices"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/microcosm-cc/bluemonday"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MailReader = (*Reader)(nil)

// DefaultAddr is the Outlook IMAP endpoint.
const DefaultAddr = "outlook.live.com:993"

const dialTimeout = 10 * time.Second

// Reader opens one IMAPS session per call against a single server.
type Reader struct {
	addr      string
	tlsConfig *tls.Config
	policy    *bluemonday.Policy
	logger    *slog.Logger
}

// NewReader creates a Reader for addr (host:port, implicit TLS).
func NewReader(addr string, logger *slog.Logger) *Reader {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return &Reader{
		addr:      addr,
		tlsConfig: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		policy:    bluemonday.UGCPolicy(),
		logger:    logger,
	}
}

// ListMessages returns the newest messages across folders. Only UIDs and
// envelopes are fetched.
func (r *Reader) ListMessages(ctx context.Context, creds model.MailCredentials, folders []string, limit int) ([]model.MessageSummary, error) {
	c, done, err := r.connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer done()

	all, err := r.collectFolders(creds, folders, limit,
		func(folder string) error {
			_, err := c.Select(folder, &goimap.SelectOptions{ReadOnly: true}).Wait()
			return err
		},
		func(folder string, n int) ([]model.MessageSummary, error) {
			return r.listFolder(c, folder, n)
		},
	)
	if err != nil {
		return nil, err
	}

	return newestFirst(all, limit), nil
}

// collectFolders selects each folder in turn and gathers its summaries.
// Folders that cannot be selected are skipped unless the failure points at
// the OAuth session.
func (r *Reader) collectFolders(
	creds model.MailCredentials,
	folders []string,
	limit int,
	selectFolder func(folder string) error,
	list func(folder string, limit int) ([]model.MessageSummary, error),
) ([]model.MessageSummary, error) {
	var all []model.MessageSummary
	for _, folder := range folders {
		if err := selectFolder(folder); err != nil {
			optional := len(folders) > 1 && slices.Contains(model.JunkFolders, folder)
			if selectErr := selectFailure(creds, optional, err); selectErr != nil {
				return nil, selectErr
			}
			r.logger.Debug("skipping folder", "mailbox", creds.Address, "folder", folder, "error", err)
			continue
		}

		msgs, err := list(folder, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	return all, nil
}

func (r *Reader) listFolder(c *imapclient.Client, folder string, limit int) ([]model.MessageSummary, error) {
	data, err := c.UIDSearch(&goimap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", folder, err)
	}
	uids := lastUIDs(data.AllUIDs(), limit)
	if len(uids) == 0 {
		return nil, nil
	}

	bufs, err := c.Fetch(goimap.UIDSetNum(uids...), &goimap.FetchOptions{
		UID:      true,
		Envelope: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching envelopes from %s: %w", folder, err)
	}

	out := make([]model.MessageSummary, 0, len(bufs))
	for _, buf := range bufs {
		out = append(out, summaryFromEnvelope(folder, buf.UID, buf.Envelope))
	}
	return out, nil
}

// FetchMessage retrieves and parses one message. The message is not marked
// as seen.
func (r *Reader) FetchMessage(ctx context.Context, creds model.MailCredentials, folder string, uid uint32) (*model.Message, error) {
	c, done, err := r.connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer done()

	if _, err := c.Select(folder, &goimap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		if selectErr := selectFailure(creds, false, err); selectErr != nil {
			return nil, selectErr
		}
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}

	section := &goimap.FetchItemBodySection{Peek: true}
	bufs, err := c.Fetch(goimap.UIDSetNum(goimap.UID(uid)), &goimap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*goimap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching message %d from %s: %w", uid, folder, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("message %d in %s: %w", uid, folder, driven.ErrMessageNotFound)
	}

	buf := bufs[0]
	raw := buf.FindBodySection(section)
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %d in %s: empty body", uid, folder)
	}

	msg, err := parseMessage(raw, r.policy)
	if err != nil {
		return nil, err
	}
	if buf.Envelope != nil {
		// The envelope is decoded by the server and survives malformed headers.
		msg.MessageSummary = summaryFromEnvelope(folder, buf.UID, buf.Envelope)
	} else {
		msg.UID = uid
		msg.Folder = folder
	}
	return msg, nil
}

// connect dials, authenticates and returns a client plus a cleanup func that
// logs out. Cancelling ctx tears the connection down.
func (r *Reader) connect(ctx context.Context, creds model.MailCredentials) (*imapclient.Client, func(), error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    r.tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to IMAP %s: %w", r.addr, err)
	}

	c := imapclient.New(conn, &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	})
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	done := func() {
		stop()
		_ = c.Logout().Wait()
		_ = c.Close()
	}

	if err := authenticate(c, creds); err != nil {
		done()
		return nil, nil, err
	}
	return c, done, nil
}

func authenticate(c *imapclient.Client, creds model.MailCredentials) error {
	if creds.UsesOAuth() {
		if err := c.Authenticate(newXOAuth2Client(creds.Address, creds.AccessToken)); err != nil {
			return &driven.MailAuthError{Op: "authenticate", Err: err}
		}
		return nil
	}
	if err := c.Login(creds.Address, creds.Password).Wait(); err != nil {
		return &driven.MailAuthError{Op: "login", Err: err}
	}
	return nil
}

// selectFailure reports a SELECT error as *driven.MailAuthError when it may
// be caused by a stale OAuth token. A NO for a folder that does not exist,
// or for an optional folder, only means the folder is skipped: servers add
// free text such as "now in authenticated state" to these replies.
func selectFailure(creds model.MailCredentials, optional bool, err error) error {
	if !creds.UsesOAuth() {
		return nil
	}
	var imapErr *goimap.Error
	if errors.As(err, &imapErr) && imapErr.Type == goimap.StatusResponseTypeNo {
		if optional || imapErr.Code == goimap.ResponseCodeNonExistent {
			return nil
		}
	}
	if model.IsFallbackEligibleText(err.Error()) {
		return &driven.MailAuthError{Op: "select", Err: err}
	}
	return nil
}
