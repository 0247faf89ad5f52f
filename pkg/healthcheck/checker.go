package healthcheck

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Checker defines the interface for health check probes.
type Checker interface {
	Check(address string) error
}

// NewChecker returns the Checker for a configured probe type.
func NewChecker(checkType string, timeout time.Duration, path string, expectedStatus int) Checker {
	if checkType == "http" {
		return NewHTTPChecker(timeout, path, expectedStatus)
	}
	return NewTCPChecker(timeout)
}

// TCPChecker implements health checking via TCP connection attempts.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCPChecker with the given timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

// Check attempts to establish a TCP connection to the given address.
func (c *TCPChecker) Check(address string) error {
	conn, err := net.DialTimeout("tcp", address, c.timeout)
	if err != nil {
		return fmt.Errorf("tcp health check failed for %s: %w", address, err)
	}
	conn.Close()
	return nil
}

// HTTPChecker probes an address with a plain HTTP GET and compares the status code.
type HTTPChecker struct {
	path           string
	expectedStatus int
	client         *http.Client
}

// NewHTTPChecker creates an HTTPChecker. Redirects are not followed.
func NewHTTPChecker(timeout time.Duration, path string, expectedStatus int) *HTTPChecker {
	return &HTTPChecker{
		path:           path,
		expectedStatus: expectedStatus,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check sends GET http://address<path> and expects the configured status.
func (c *HTTPChecker) Check(address string) error {
	target := "http://" + address + c.path
	resp, err := c.client.Get(target)
	if err != nil {
		return fmt.Errorf("http health check failed for %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != c.expectedStatus {
		return fmt.Errorf("http health check for %s: got status %d, expected %d",
			target, resp.StatusCode, c.expectedStatus)
	}
	return nil
}

// Address turns a preset server URL into the host:port a probe dials.
// The port defaults to 443 for https and 80 otherwise.
func Address(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	port := parsed.Port()
	if port == "" {
		port = "80"
		if parsed.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), nil
}
