// Command healthcheck queries the MailAdmin health endpoint for container
// HEALTHCHECK use. It exits 0 when the server answers {"ok":true} with
// status "ok", and 1 otherwise.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	defaultAddr  = "127.0.0.1:5000"
	healthPath   = "/api/health"
	requestTimeout = 2 * time.Second
)

func main() {
	os.Exit(check(normalizeAddr(os.Getenv("MAILADMIN_LISTEN_ADDR")), os.Stderr))
}

// healthEnvelope is the subset of the API envelope the healthcheck reads.
type healthEnvelope struct {
	OK   bool `json:"ok"`
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

func check(addr string, out io.Writer) int {
	if err := fetchHealth(addr); err != nil {
		fmt.Fprintf(out, "mailadmin unhealthy at %s: %v\n", addr, err)
		return 1
	}
	return 0
}

func fetchHealth(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := (&http.Client{Timeout: requestTimeout}).Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	var env healthEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if !env.OK || env.Data.Status != "ok" {
		return fmt.Errorf("server reported status %q", env.Data.Status)
	}
	return nil
}

// normalizeAddr maps the configured listen address to one the healthcheck can dial
// from inside the same container: wildcard hosts become loopback.
func normalizeAddr(raw string) string {
	if raw == "" {
		return defaultAddr
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultAddr
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}

	return net.JoinHostPort(host, port)
}
