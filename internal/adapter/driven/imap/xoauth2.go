package imap

import (
	"github.com/emersion/go-sasl"
)

// xoauth2Mechanism is the SASL mechanism name Outlook and Gmail accept for
// bearer-token IMAP logins.
const xoauth2Mechanism = "XOAUTH2"

// xoauth2Client is a sasl.Client for the XOAUTH2 mechanism. The whole
// exchange fits in the initial response.
type xoauth2Client struct {
	username string
	token    string
}

var _ sasl.Client = (*xoauth2Client)(nil)

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return xoauth2Mechanism, ir, nil
}

// Next answers the error challenge a server sends after rejecting the token.
// An empty response lets the server finish with a tagged NO.
func (c *xoauth2Client) Next(_ []byte) ([]byte, error) {
	return []byte{}, nil
}
