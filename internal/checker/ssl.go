package checker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// SSLChecker verifies that a TLS handshake to the target succeeds.
type SSLChecker struct {
	client    *http.Client
	userAgent string
}

// NewSSLChecker creates a TLS checker.
func NewSSLChecker(cfg Config) *SSLChecker {
	cfg = cfg.withDefaults()
	return &SSLChecker{client: cfg.HTTPClient, userAgent: cfg.UserAgent}
}

// Check sends HEAD over https, falling back to GET. Any 2xx-4xx response
// proves the handshake; 5xx is degraded; no response is down.
func (c *SSLChecker) Check(ctx context.Context, target string, timeout time.Duration, opts Options) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := withScheme(targetURL(target, "https", opts.Port), "https")
	if _, err := url.Parse(endpoint); err != nil {
		return notSent(fmt.Sprintf("invalid target: %v", err))
	}

	start := time.Now()
	resp, err := c.send(ctx, http.MethodHead, endpoint)
	if err != nil && ctx.Err() == nil {
		resp, err = c.send(ctx, http.MethodGet, endpoint)
	}
	ms := elapsedMs(start)
	if err != nil {
		return down(ms, "tls: "+describeError(ctx, err, timeout))
	}
	resp.Body.Close()

	code := resp.StatusCode
	if code >= 500 {
		return Result{
			Status:         monitor.StatusDegraded,
			ResponseTimeMs: ms,
			StatusCode:     &code,
			ErrorMessage:   fmt.Sprintf("HTTP %d over valid TLS", code),
		}
	}
	return Result{Status: monitor.StatusUp, ResponseTimeMs: ms, StatusCode: &code}
}

func (c *SSLChecker) send(ctx context.Context, method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	return c.client.Do(req)
}
