// Package probe provides bounded network liveness checks: a TCP
// connect-with-timeout and an HTTP HEAD-with-timeout. Both are capped
// near one second so callers never stall on a dead endpoint.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = time.Second

// TCP reports whether something is accepting connections on addr
// (host:port). A refused or timed-out dial means nothing is listening.
func TCP(addr string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// HTTPHead sends a HEAD request to url and reports whether any HTTP
// response came back, regardless of status code.
func HTTPHead(ctx context.Context, url string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// HTTPGetOK sends a GET to url and reports whether it answered with a
// 2xx status. Used for post-start sanity checks where "any response"
// is not enough.
func HTTPGetOK(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// PortOccupantHint returns a human-readable hint about what holds addr,
// using lsof when available (macOS/Linux).
func PortOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}
