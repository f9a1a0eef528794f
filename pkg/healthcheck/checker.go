package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Checker probes a backend once. Cancelling ctx aborts an in-flight probe.
type Checker interface {
	Check(ctx context.Context, address string) error
}

// newDialer returns a dialer whose sockets carry mark. A zero mark leaves
// sockets unmarked.
func newDialer(timeout time.Duration, mark uint32) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if mark != 0 {
		d.Control = markControl(mark)
	}
	return d
}

// TCPChecker considers a backend alive when a TCP handshake completes.
type TCPChecker struct {
	dialer *net.Dialer
}

// NewTCPChecker creates a TCPChecker with the given timeout and socket mark.
func NewTCPChecker(timeout time.Duration, mark uint32) *TCPChecker {
	return &TCPChecker{dialer: newDialer(timeout, mark)}
}

func (c *TCPChecker) Check(ctx context.Context, address string) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("tcp health check failed for %s: %w", address, err)
	}
	conn.Close()
	return nil
}

// HTTPChecker issues a GET for path and expects a fixed status code.
type HTTPChecker struct {
	client         *http.Client
	path           string
	expectedStatus int
}

// NewHTTPChecker creates an HTTPChecker. Connections are not reused so that
// every probe exercises a fresh handshake.
func NewHTTPChecker(timeout time.Duration, path string, expectedStatus int, mark uint32) *HTTPChecker {
	transport := &http.Transport{
		DialContext:       newDialer(timeout, mark).DialContext,
		DisableKeepAlives: true,
	}
	return &HTTPChecker{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		path:           path,
		expectedStatus: expectedStatus,
	}
}

func (c *HTTPChecker) Check(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+c.path, nil)
	if err != nil {
		return fmt.Errorf("http health check for %s: %w", address, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http health check failed for %s: %w", address, err)
	}
	resp.Body.Close()
	if resp.StatusCode != c.expectedStatus {
		return fmt.Errorf("http health check failed for %s: status %d, expected %d", address, resp.StatusCode, c.expectedStatus)
	}
	return nil
}
