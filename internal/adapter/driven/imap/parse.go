package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"

	"github.com/V1an1337/MailAdmin/internal/domain/model"
)

// parseMessage decodes a raw RFC 5322 message into headers and bodies. Text
// parts are joined with newlines, HTML parts are concatenated and sanitized
// with policy. Attachments are skipped.
func parseMessage(raw []byte, policy *bluemonday.Policy) (*model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	msg := &model.Message{}
	msg.Subject, _ = mr.Header.Subject()
	msg.From = headerAddresses(mr.Header, "From")
	msg.To = headerAddresses(mr.Header, "To")
	if date, dateErr := mr.Header.Date(); dateErr == nil {
		msg.Date = date
	}

	var texts, htmls []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			// Keep whatever decoded cleanly before the broken part.
			break
		}
		if part == nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch contentType {
		case "text/plain":
			texts = append(texts, string(body))
		case "text/html":
			htmls = append(htmls, string(body))
		}
	}

	msg.TextBody = strings.TrimSpace(strings.Join(texts, "\n"))
	if html := strings.TrimSpace(strings.Join(htmls, "")); html != "" {
		msg.HTMLBody = policy.Sanitize(html)
	}
	return msg, nil
}

func headerAddresses(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		// Unparseable address headers are shown as sent.
		text, _ := h.Text(key)
		return text
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a.Name, a.Address))
	}
	return strings.Join(out, ", ")
}

func envelopeAddresses(list []goimap.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a.Name, a.Addr()))
	}
	return strings.Join(out, ", ")
}

func formatAddress(name, addr string) string {
	switch {
	case name == "":
		return addr
	case addr == "":
		return name
	default:
		return name + " <" + addr + ">"
	}
}

// summaryFromEnvelope builds a listing row from a fetched envelope.
func summaryFromEnvelope(folder string, uid goimap.UID, env *goimap.Envelope) model.MessageSummary {
	s := model.MessageSummary{UID: uint32(uid), Folder: folder}
	if env == nil {
		return s
	}
	s.Subject = env.Subject
	s.From = envelopeAddresses(env.From)
	s.To = envelopeAddresses(env.To)
	s.Date = env.Date
	return s
}

// newestFirst orders messages by date, newest first, and keeps at most limit.
// Undated messages sort last.
func newestFirst(msgs []model.MessageSummary, limit int) []model.MessageSummary {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Date.After(msgs[j].Date)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

// lastUIDs keeps the limit highest UIDs, which are the most recently
// delivered messages of a folder.
func lastUIDs(uids []goimap.UID, limit int) []goimap.UID {
	if limit > 0 && len(uids) > limit {
		return uids[len(uids)-limit:]
	}
	return uids
}
