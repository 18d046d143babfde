package checker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// PingChecker emulates ICMP reachability with HEAD requests, since raw
// sockets are not available to the worker.
type PingChecker struct {
	client    *http.Client
	userAgent string
}

// NewPingChecker creates a reachability checker.
func NewPingChecker(cfg Config) *PingChecker {
	cfg = cfg.withDefaults()
	return &PingChecker{client: cfg.HTTPClient, userAgent: cfg.UserAgent}
}

// Check tries http then https; any response means the host is up.
func (c *PingChecker) Check(ctx context.Context, target string, timeout time.Duration, opts Options) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := hostPort(target, opts.Port)

	began := time.Now()

	var lastErr error
	for _, scheme := range []string{"http", "https"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, scheme+"://"+host, http.NoBody)
		if err != nil {
			return notSent(fmt.Sprintf("invalid target: %v", err))
		}
		req.Header.Set("User-Agent", c.userAgent)

		start := time.Now()
		resp, err := c.client.Do(req)
		if err == nil {
			resp.Body.Close()
			return Result{Status: monitor.StatusUp, ResponseTimeMs: elapsedMs(start)}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return down(elapsedMs(began), "unreachable: "+describeError(ctx, lastErr, timeout))
}
