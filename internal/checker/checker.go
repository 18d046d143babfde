// Package checker checks endpoints over a single protocol and reports
// up, down or degraded with latency and diagnostics.
package checker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/provider/resilience"
)

// Result is the outcome of one check.
type Result struct {
	Status         monitor.Status
	ResponseTimeMs int
	StatusCode     *int
	ErrorMessage   string

	// NotSent is set when no request left the process (invalid target,
	// unsupported type). ResponseTimeMs is then meaningless.
	NotSent bool
}

// Options carries the per-service check settings.
type Options struct {
	Port               *int
	ExpectedStatusCode *int
	ExpectedKeyword    string
}

// Checker tests a target. Implementations never return an error: every
// failure is mapped to a down or degraded Result.
type Checker interface {
	Check(ctx context.Context, target string, timeout time.Duration, opts Options) Result
}

// Config holds configuration shared by the protocol checkers.
type Config struct {
	// HTTPClient is used for requests to targets. Redirects are followed.
	// Default: a client with keep-alives disabled.
	HTTPClient *http.Client

	// SlowThreshold downgrades an otherwise healthy HTTP response.
	// Default: 3 seconds
	SlowThreshold time.Duration

	// DoHEndpoint is the DNS-over-HTTPS JSON API.
	// Default: https://cloudflare-dns.com/dns-query
	DoHEndpoint string

	// Resolver calls the DoH endpoint. Default: a resilient client named
	// "dns-resolver" with retries disabled.
	Resolver *resilience.Client

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultDoHEndpoint is Cloudflare's JSON DNS API.
const DefaultDoHEndpoint = "https://cloudflare-dns.com/dns-query"

// DefaultConfig returns the default checker configuration.
func DefaultConfig() Config {
	return Config{
		SlowThreshold: 3 * time.Second,
		DoHEndpoint:   DefaultDoHEndpoint,
		UserAgent:     "PulseWatch/1.0 (+uptime monitor)",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DisableKeepAlives:   true,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if c.SlowThreshold == 0 {
		c.SlowThreshold = def.SlowThreshold
	}
	if c.DoHEndpoint == "" {
		c.DoHEndpoint = def.DoHEndpoint
	}
	if c.Resolver == nil {
		c.Resolver = resilience.NewClient(resilience.ClientConfig{
			Name:           "dns-resolver",
			Timeout:        10 * time.Second,
			DisableRetries: true,
		})
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return c
}

// Runner dispatches a service to the checker for its type.
type Runner struct {
	checkers map[monitor.ServiceType]Checker
}

// NewRunner creates a Runner with all protocol checkers.
func NewRunner(cfg Config) *Runner {
	cfg = cfg.withDefaults()

	httpChecker := NewHTTPChecker(cfg)
	dnsChecker := NewDNSChecker(cfg)

	return &Runner{
		checkers: map[monitor.ServiceType]Checker{
			monitor.TypeHTTP:   httpChecker,
			monitor.TypeAPI:    httpChecker,
			monitor.TypeDNS:    dnsChecker,
			monitor.TypeSSL:    NewSSLChecker(cfg),
			monitor.TypePing:   NewPingChecker(cfg),
			monitor.TypeDomain: NewDomainChecker(dnsChecker, httpChecker),
		},
	}
}

// Run checks svc with its configured timeout.
func (r *Runner) Run(ctx context.Context, svc *monitor.Service) Result {
	c, ok := r.checkers[svc.Type]
	if !ok {
		return notSent(fmt.Sprintf("unsupported service type %q", svc.Type))
	}

	opts := Options{
		Port:               svc.Port,
		ExpectedStatusCode: svc.ExpectedStatusCode,
	}
	if svc.ExpectedKeyword != nil {
		opts.ExpectedKeyword = *svc.ExpectedKeyword
	}

	return c.Check(ctx, svc.Target, svc.Timeout(), opts)
}

func elapsedMs(start time.Time) int {
	return int(time.Since(start).Milliseconds())
}

// describeError maps transport errors to a diagnostic message.
func describeError(ctx context.Context, err error, timeout time.Duration) string {
	if isTimeout(ctx, err) {
		return fmt.Sprintf("timeout after %dms", timeout.Milliseconds())
	}
	return err.Error()
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func down(ms int, msg string) Result {
	return Result{Status: monitor.StatusDown, ResponseTimeMs: ms, ErrorMessage: msg}
}

func notSent(msg string) Result {
	return Result{Status: monitor.StatusDown, ErrorMessage: msg, NotSent: true}
}
