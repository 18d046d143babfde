package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/provider/resilience"
)

// dohResponse is the subset of the DNS JSON API we read.
type dohResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Name string `json:"name"`
		Type int    `json:"type"`
		TTL  int    `json:"TTL"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// DNSChecker resolves A records through a DNS-over-HTTPS resolver.
type DNSChecker struct {
	resolver *resilience.Client
	endpoint string
}

// NewDNSChecker creates a DNS checker.
func NewDNSChecker(cfg Config) *DNSChecker {
	cfg = cfg.withDefaults()
	return &DNSChecker{resolver: cfg.Resolver, endpoint: cfg.DoHEndpoint}
}

// Check is up iff the resolver answers NOERROR with at least one record.
func (c *DNSChecker) Check(ctx context.Context, target string, timeout time.Duration, _ Options) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := hostOf(target)
	query := c.endpoint + "?" + url.Values{"name": {host}, "type": {"A"}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, query, http.NoBody)
	if err != nil {
		return notSent(fmt.Sprintf("invalid resolver request: %v", err))
	}
	req.Header.Set("Accept", "application/dns-json")

	start := time.Now()
	resp, err := c.resolver.DoWithContext(ctx, req)
	ms := elapsedMs(start)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return down(ms, "dns resolver unavailable: "+err.Error())
		}
		return down(ms, describeError(ctx, err, timeout))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return down(ms, fmt.Sprintf("resolver returned HTTP %d", resp.StatusCode))
	}

	var answer dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return down(ms, fmt.Sprintf("decoding resolver response: %v", err))
	}

	if answer.Status != 0 || len(answer.Answer) == 0 {
		return down(ms, fmt.Sprintf("no DNS records for %s (rcode %d)", host, answer.Status))
	}

	return Result{Status: monitor.StatusUp, ResponseTimeMs: ms}
}
