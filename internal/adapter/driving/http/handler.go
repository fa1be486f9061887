package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/V1an1337/MailAdmin/internal/application"
	"github.com/V1an1337/MailAdmin/internal/domain/model"
	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

const healthPath = "/api/health"

// maxImportBytes caps the size of an import request body.
const maxImportBytes = 4 << 20

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	mailboxes *application.MailboxService
	mail      *application.MailService
	keepalive *application.KeepaliveService
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	mailboxes *application.MailboxService,
	mail *application.MailService,
	keepalive *application.KeepaliveService,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		mailboxes: mailboxes,
		mail:      mail,
		keepalive: keepalive,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging, recovery, API key and warning middleware.
func NewServeMux(h *Handler, apiKey string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, h.Health)
	mux.HandleFunc("GET /api/mailboxes", h.ListMailboxes)
	mux.HandleFunc("POST /api/mailboxes", h.ImportMailboxes)
	mux.HandleFunc("GET /api/mailboxes/export", h.ExportMailboxes)
	mux.HandleFunc("DELETE /api/mailboxes/{address}", h.DeleteMailbox)
	mux.HandleFunc("GET /api/mailboxes/{address}/token", h.GetToken)
	mux.HandleFunc("POST /api/mailboxes/{address}/token/refresh", h.RefreshToken)
	mux.HandleFunc("GET /api/mailboxes/{address}/messages", h.ListMessages)
	mux.HandleFunc("GET /api/mailboxes/{address}/messages/{uid}", h.GetMessage)

	// Recovery inside the API key check so panics are caught before logging.
	wrapped := warningsMiddleware(mux)
	wrapped = recoveryMiddleware(logger, wrapped)
	wrapped = apiKeyMiddleware(apiKey, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, HealthResponse{
		Status:    "ok",
		Time:      time.Now().Unix(),
		Keepalive: h.keepalive != nil && h.keepalive.Running(),
	})
}

// ListMailboxes returns every mailbox with its token health, newest first.
func (h *Handler) ListMailboxes(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := h.mailboxes.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list mailboxes", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]MailboxResponse, 0, len(mailboxes))
	for _, m := range mailboxes {
		resp = append(resp, toMailboxResponse(m))
	}

	writeOK(w, r, resp)
}

// ImportMailboxes imports a JSON ImportRequest, or the line based text
// format for any other content type.
func (h *Handler) ImportMailboxes(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var items []model.MailboxImport
	var parseErrs []string

	if isJSON(r) {
		var req ImportRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Items == nil {
			writeError(w, http.StatusBadRequest, "Missing items.")
			return
		}
		for _, it := range req.Items {
			items = append(items, it.toImport())
		}
	} else {
		items, parseErrs = application.ParseImportText(string(body))
	}

	if len(items) == 0 && len(parseErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, envelope{
			Error: strings.Join(parseErrs, " "),
			Data:  application.ImportResult{Errors: parseErrs},
		})
		return
	}

	res, err := h.mailboxes.Import(r.Context(), items)
	if err != nil {
		h.logger.Error("failed to import mailboxes", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	res.Errors = append(parseErrs, res.Errors...)

	writeOK(w, r, res)
}

// ExportMailboxes returns every mailbox in the text import format.
func (h *Handler) ExportMailboxes(w http.ResponseWriter, r *http.Request) {
	text, err := h.mailboxes.Export(r.Context())
	if err != nil {
		h.logger.Error("failed to export mailboxes", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="mailboxes.txt"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// DeleteMailbox removes a mailbox by address.
func (h *Handler) DeleteMailbox(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	if err := h.mailboxes.Delete(r.Context(), address); err != nil {
		h.writeServiceError(w, err, "delete mailbox", address)
		return
	}

	writeOK(w, r, map[string]string{"deleted": address})
}

// GetToken returns the token health view of one mailbox.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	m, err := h.mailboxes.Get(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err, "get mailbox", address)
		return
	}

	writeOK(w, r, toTokenResponse(*m))
}

// RefreshToken forces a refresh of one mailbox through the keepalive worker.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	m, err := h.mailboxes.Get(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err, "get mailbox", address)
		return
	}
	if !m.HasOAuthRefresh() {
		writeError(w, http.StatusBadRequest, "Mailbox has no OAuth refresh credentials.")
		return
	}

	updated, err := h.keepalive.RefreshNow(r.Context(), m.ID)
	if err != nil {
		h.writeServiceError(w, err, "refresh token", address)
		return
	}

	writeOK(w, r, toTokenResponse(*updated))
}

// ListMessages returns the newest messages of a mailbox.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	folder := r.URL.Query().Get("folder")

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		limit = application.DefaultMessageLimit
	}

	msgs, err := h.mail.ListMessages(r.Context(), address, folder, limit)
	if err != nil {
		h.writeServiceError(w, err, "list messages", address)
		return
	}

	resp := make([]MessageSummaryResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, toMessageSummaryResponse(m))
	}

	writeOK(w, r, resp)
}

// GetMessage returns one message by UID.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil || uid == 0 {
		writeError(w, http.StatusBadRequest, "invalid message uid")
		return
	}

	msg, err := h.mail.GetMessage(r.Context(), address, r.URL.Query().Get("folder"), uint32(uid))
	if err != nil {
		h.writeServiceError(w, err, "get message", address)
		return
	}

	writeOK(w, r, toMessageResponse(*msg))
}

// writeServiceError maps an application error to a status code. Provider and
// IMAP failures are reported to the caller as they are operator-actionable.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op, address string) {
	var tokErr *model.TokenError
	var authErr *driven.MailAuthError

	switch {
	case errors.Is(err, driven.ErrMailboxNotFound):
		writeError(w, http.StatusNotFound, "Mailbox not found.")
	case errors.Is(err, driven.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "Message not found.")
	case errors.Is(err, application.ErrNoMailCredentials):
		writeError(w, http.StatusBadRequest, "No authentication data configured.")
	case errors.As(err, &tokErr):
		h.logger.Warn("token request failed", "op", op, "mailbox", address, "kind", tokErr.Kind, "error", err)
		writeError(w, http.StatusBadGateway, tokErr.Reason())
	case errors.As(err, &authErr):
		h.logger.Warn("imap authentication failed", "op", op, "mailbox", address, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("IMAP authentication failed: %v", authErr.Err))
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.logger.Error("request failed", "op", op, "mailbox", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
