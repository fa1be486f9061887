package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", "127.0.0.1:5000"},
		{"garbage", "127.0.0.1:5000"},
		{"0.0.0.0:8080", "127.0.0.1:8080"},
		{":9000", "127.0.0.1:9000"},
		{"[::]:5000", "[::1]:5000"},
		{"10.0.0.5:5000", "10.0.0.5:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeAddr(tt.raw))
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    int
		wantMsg string
	}{
		{"healthy", http.StatusOK, `{"ok":true,"data":{"status":"ok","time":1}}`, 0, ""},
		{"server error", http.StatusInternalServerError, `{"ok":false}`, 1, "unexpected HTTP status 500"},
		{"not ok", http.StatusOK, `{"ok":true,"data":{"status":"starting"}}`, 1, `server reported status "starting"`},
		{"not json", http.StatusOK, `pong`, 1, "decode health response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, healthPath, r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			var out bytes.Buffer
			got := check(strings.TrimPrefix(srv.URL, "http://"), &out)

			assert.Equal(t, tt.want, got)
			if tt.wantMsg != "" {
				assert.Contains(t, out.String(), tt.wantMsg)
			} else {
				assert.Empty(t, out.String())
			}
		})
	}
}
