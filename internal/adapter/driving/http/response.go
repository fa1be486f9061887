package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/V1an1337/MailAdmin/internal/application"
	"github.com/V1an1337/MailAdmin/internal/domain/model"
)

// envelope is the body of every JSON response. Warning carries a rollback
// notice raised while serving the request.
type envelope struct {
	OK      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"ok":false,"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeOK writes a success envelope, attaching the pending request warning.
func writeOK(w http.ResponseWriter, r *http.Request, data any) {
	writeJSON(w, http.StatusOK, envelope{
		OK:      true,
		Data:    data,
		Warning: application.TakeWarning(r.Context()),
	})
}

// writeError writes a JSON error envelope with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Error: message})
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Time      int64  `json:"time"`
	Keepalive bool   `json:"keepalive"`
}

// TokenResponse is the token health view of a mailbox. Timestamps are unix
// seconds, 0 when unset.
type TokenResponse struct {
	Status                string `json:"token_status"`
	LastWarning           string `json:"token_last_warning"`
	LastError             string `json:"token_last_error"`
	LastErrorAt           int64  `json:"token_last_error_at"`
	NextRefreshAt         int64  `json:"token_next_refresh_at"`
	RefreshPriority       bool   `json:"token_refresh_priority"`
	RefreshTokenUpdatedAt int64  `json:"refresh_token_updated_at"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at"`
	AccessTokenExpiresAt  int64  `json:"access_token_expires_at"`
	HasPreviousToken      bool   `json:"has_previous_token"`
}

// MailboxResponse is the JSON representation of a mailbox. Secrets are never
// included.
type MailboxResponse struct {
	Address   string `json:"address"`
	ClientID  string `json:"client_id"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	TokenResponse
}

// MessageSummaryResponse is one row of a message listing.
type MessageSummaryResponse struct {
	UID         uint32 `json:"uid"`
	Subject     string `json:"subject"`
	From        string `json:"mail_from"`
	To          string `json:"mail_to"`
	Date        string `json:"mail_dt"`
	Timestamp   int64  `json:"mail_ts"`
	Folder      string `json:"folder"`
	FolderLabel string `json:"folder_label"`
}

// MessageResponse is a fully fetched message. BodyHTML is sanitized.
type MessageResponse struct {
	MessageSummaryResponse
	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html"`
}

// ImportRequest is the JSON body for the import endpoint. Token is accepted
// as an alias of RefreshToken.
type ImportRequest struct {
	Items []ImportItem `json:"items"`
}

// ImportItem is one mailbox in an ImportRequest.
type ImportItem struct {
	Address      string `json:"address"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
}

func (it ImportItem) toImport() model.MailboxImport {
	token := it.RefreshToken
	if token == "" {
		token = it.Token
	}
	return model.MailboxImport{
		Address:      it.Address,
		Password:     it.Password,
		ClientID:     it.ClientID,
		RefreshToken: token,
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func toTokenResponse(m model.Mailbox) TokenResponse {
	return TokenResponse{
		Status:                string(m.TokenStatus),
		LastWarning:           m.TokenLastWarning,
		LastError:             m.TokenLastError,
		LastErrorAt:           unixOrZero(m.TokenLastErrorAt),
		NextRefreshAt:         unixOrZero(m.TokenNextRefreshAt),
		RefreshPriority:       m.TokenRefreshPriority,
		RefreshTokenUpdatedAt: unixOrZero(m.RefreshTokenUpdatedAt),
		RefreshTokenExpiresAt: unixOrZero(m.RefreshTokenExpiresAt),
		AccessTokenExpiresAt:  unixOrZero(m.AccessTokenExpiresAt),
		HasPreviousToken:      m.RefreshTokenPrev != "",
	}
}

func toMailboxResponse(m model.Mailbox) MailboxResponse {
	return MailboxResponse{
		Address:       m.Address,
		ClientID:      m.ClientID,
		Auth:          m.AuthLabel(),
		CreatedAt:     unixOrZero(m.CreatedAt),
		UpdatedAt:     unixOrZero(m.UpdatedAt),
		TokenResponse: toTokenResponse(m),
	}
}

func toMessageSummaryResponse(s model.MessageSummary) MessageSummaryResponse {
	resp := MessageSummaryResponse{
		UID:         s.UID,
		Subject:     s.Subject,
		From:        s.From,
		To:          s.To,
		Folder:      s.Folder,
		FolderLabel: model.FolderLabel(s.Folder),
	}
	if !s.Date.IsZero() {
		resp.Date = s.Date.UTC().Format(time.RFC3339)
		resp.Timestamp = s.Date.Unix()
	}
	return resp
}

func toMessageResponse(m model.Message) MessageResponse {
	return MessageResponse{
		MessageSummaryResponse: toMessageSummaryResponse(m.MessageSummary),
		BodyText:               m.TextBody,
		BodyHTML:               m.HTMLBody,
	}
}
