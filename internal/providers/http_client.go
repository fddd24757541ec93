package providers

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"eftpos-bridge/internal/core"

	"github.com/jonboulle/clockwork"
)

// ErrCircuitOpen is returned while too many consecutive calls have failed.
var ErrCircuitOpen = errors.New("endpoint circuit open")

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient wraps an http.Client with a circuit breaker so a polling loop
// can ride out a few failed polls but stops once the endpoint is clearly gone.
type HTTPClient struct {
	client *http.Client
	health *core.HealthMonitor
}

func NewHTTPClient(client *http.Client, failureThreshold int, clock clockwork.Clock) *HTTPClient {
	return &HTTPClient{
		client: client,
		health: core.NewHealthMonitor(failureThreshold, 30*time.Second, clock),
	}
}

// Do sends req and returns the response body. Transport errors and 5xx
// responses count against the circuit; 4xx responses do not.
func (c *HTTPClient) Do(req *http.Request) ([]byte, int, error) {
	if !c.health.CanProceed() {
		return nil, 0, ErrCircuitOpen
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.health.RecordFailure()
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.health.RecordFailure()
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.health.RecordFailure()
		return body, resp.StatusCode, &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	c.health.RecordSuccess()
	if resp.StatusCode >= 300 {
		return body, resp.StatusCode, &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, resp.StatusCode, nil
}

// Health exposes the breaker for status reporting.
func (c *HTTPClient) Health() *core.HealthMonitor {
	return c.health
}

// NotDelivered reports whether err proves the request never reached the
// server, so a purchase it carried cannot have been charged.
func NotDelivered(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
