package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/provider/resilience"
)

// EmailConfig configures the transactional email channel.
type EmailConfig struct {
	APIKey string
	From   string

	// DefaultTo is used when a service has no alert address of its own.
	DefaultTo string

	// BaseURL is the email API root; messages are POSTed to BaseURL/emails.
	// Default: https://api.resend.com
	BaseURL string

	Client *resilience.Client
}

// EmailChannel sends messages through a transactional email HTTP API.
type EmailChannel struct {
	apiKey    string
	from      string
	defaultTo string
	baseURL   string
	client    *resilience.Client
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.resend.com"
	}
	if cfg.Client == nil {
		cfg.Client = resilience.NewClient(resilience.DefaultClientConfig("email"))
	}
	return &EmailChannel{
		apiKey:    cfg.APIKey,
		from:      cfg.From,
		defaultTo: cfg.DefaultTo,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    cfg.Client,
	}
}

// Type returns "email".
func (e *EmailChannel) Type() string { return "email" }

// Accepts reports whether email notifications are enabled for svc.
func (e *EmailChannel) Accepts(svc *monitor.Service) bool {
	return svc.NotifyEmail && e.apiKey != "" && e.recipient(svc) != ""
}

func (e *EmailChannel) recipient(svc *monitor.Service) string {
	if svc.AlertEmail != nil && *svc.AlertEmail != "" {
		return *svc.AlertEmail
	}
	return e.defaultTo
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Send delivers msg to the service's alert address.
func (e *EmailChannel) Send(ctx context.Context, svc *monitor.Service, msg Message) error {
	req := emailRequest{
		From:    e.from,
		To:      []string{e.recipient(svc)},
		Subject: msg.Subject(svc),
		Text:    emailText(svc, msg),
	}

	headers := map[string]string{"Authorization": "Bearer " + e.apiKey}
	if err := e.client.PostJSON(ctx, e.baseURL+"/emails", headers, req, nil); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

func emailText(svc *monitor.Service, msg Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n\n", msg.Subject(svc))
	fmt.Fprintf(&b, "Service: %s\n", svc.Name)
	fmt.Fprintf(&b, "Target: %s\n", svc.Target)
	fmt.Fprintf(&b, "Status: %s\n", msg.Status)
	if msg.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", msg.ErrorMessage)
	}
	if msg.ResponseTimeMs != nil {
		fmt.Fprintf(&b, "Response time: %dms\n", *msg.ResponseTimeMs)
	}
	if !msg.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", msg.StartedAt.UTC().Format(time.RFC3339))
	}
	if msg.Event == EventResolved && !msg.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", msg.Timestamp.Sub(msg.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Incident: %s\n", msg.IncidentID)
	fmt.Fprintf(&b, "Time: %s\n", msg.Timestamp.UTC().Format(time.RFC3339))

	return b.String()
}
