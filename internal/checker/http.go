package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// maxBodyBytes bounds how much of a response is scanned for a keyword.
const maxBodyBytes = 1 << 20

// HTTPChecker checks http and api services with a GET request.
type HTTPChecker struct {
	client        *http.Client
	slowThreshold time.Duration
	userAgent     string
}

// NewHTTPChecker creates an HTTP checker.
func NewHTTPChecker(cfg Config) *HTTPChecker {
	cfg = cfg.withDefaults()
	return &HTTPChecker{
		client:        cfg.HTTPClient,
		slowThreshold: cfg.SlowThreshold,
		userAgent:     cfg.UserAgent,
	}
}

// Check issues a GET to target and classifies the response.
func (c *HTTPChecker) Check(ctx context.Context, target string, timeout time.Duration, opts Options) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL(target, "https", opts.Port), http.NoBody)
	if err != nil {
		return notSent(fmt.Sprintf("invalid target: %v", err))
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	ms := elapsedMs(start)
	if err != nil {
		return down(ms, describeError(ctx, err, timeout))
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	result := classify(code, ms)

	if exp := opts.ExpectedStatusCode; exp != nil {
		switch {
		case code == *exp:
			result.Status = monitor.StatusUp
			result.ErrorMessage = ""
		case !isRedirect(code):
			result.Status = monitor.StatusDown
			result.ErrorMessage = fmt.Sprintf("expected status %d, got %d", *exp, code)
			return result
		}
	}

	if opts.ExpectedKeyword != "" && result.Status != monitor.StatusDown {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			result.Status = monitor.StatusDown
			result.ErrorMessage = "reading body: " + describeError(ctx, err, timeout)
			return result
		}
		if !strings.Contains(string(body), opts.ExpectedKeyword) {
			result.Status = monitor.StatusDown
			result.ErrorMessage = fmt.Sprintf("expected keyword %q not found", opts.ExpectedKeyword)
			return result
		}
	}

	if result.Status == monitor.StatusUp && time.Duration(ms)*time.Millisecond > c.slowThreshold {
		result.Status = monitor.StatusDegraded
		result.ErrorMessage = fmt.Sprintf("high response time: %dms", ms)
	}

	return result
}

// classify maps an HTTP status code: 5xx down, 4xx degraded, otherwise up.
func classify(code, ms int) Result {
	result := Result{Status: monitor.StatusUp, ResponseTimeMs: ms, StatusCode: &code}
	switch {
	case code >= 500:
		result.Status = monitor.StatusDown
		result.ErrorMessage = fmt.Sprintf("HTTP %d %s", code, http.StatusText(code))
	case code >= 400:
		result.Status = monitor.StatusDegraded
		result.ErrorMessage = fmt.Sprintf("HTTP %d %s", code, http.StatusText(code))
	}
	return result
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}
