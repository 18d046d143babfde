package checker

import (
	"context"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// DomainChecker resolves the domain and then checks it over HTTP.
type DomainChecker struct {
	dns  Checker
	http Checker
}

// NewDomainChecker composes a DNS and an HTTP checker.
func NewDomainChecker(dnsChecker, httpChecker Checker) *DomainChecker {
	return &DomainChecker{dns: dnsChecker, http: httpChecker}
}

// Check reports the DNS failure if resolution fails, otherwise the HTTP
// outcome. Latency is the sum of both steps.
func (c *DomainChecker) Check(ctx context.Context, target string, timeout time.Duration, opts Options) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dnsResult := c.dns.Check(ctx, target, timeout, opts)
	if dnsResult.Status != monitor.StatusUp {
		dnsResult.ErrorMessage = "dns: " + dnsResult.ErrorMessage
		return dnsResult
	}

	httpResult := c.http.Check(ctx, target, timeout, opts)
	httpResult.ResponseTimeMs += dnsResult.ResponseTimeMs
	return httpResult
}
