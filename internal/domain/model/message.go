package model

import (
	"strings"
	"time"
)

// DefaultFolder is used when a caller does not name a folder.
const DefaultFolder = "INBOX"

// JunkFolders are the spam folder names Outlook uses across account types.
// A listing without an explicit folder merges them with the inbox.
var JunkFolders = []string{"junk", "Junk", "Junk Email", "Junk E-mail"}

// ListFolders returns the folders to scan for a listing request.
func ListFolders(folder string) []string {
	if folder != "" {
		return []string{folder}
	}
	return append([]string{DefaultFolder}, JunkFolders...)
}

// NormalizeFolder maps an empty folder name to the inbox.
func NormalizeFolder(folder string) string {
	if folder == "" {
		return DefaultFolder
	}
	return folder
}

// FolderLabel is the display label for a folder: "Inbox" or "Junk".
func FolderLabel(folder string) string {
	if strings.EqualFold(folder, DefaultFolder) {
		return "Inbox"
	}
	return "Junk"
}

// MailCredentials is what the IMAP connector needs to open a session. Exactly
// one of Password or AccessToken is set.
type MailCredentials struct {
	Address     string
	Password    string
	AccessToken string
}

// UsesOAuth reports whether the session authenticates with XOAUTH2.
func (c MailCredentials) UsesOAuth() bool {
	return c.AccessToken != ""
}

// MessageSummary is one row of a folder listing.
type MessageSummary struct {
	UID     uint32
	Folder  string
	Subject string
	From    string
	To      string
	Date    time.Time
}

// Message is a fully fetched message. HTMLBody is already sanitized.
type Message struct {
	MessageSummary
	TextBody string
	HTMLBody string
}
