package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/provider/resilience"
)

// TelegramConfig configures the chat bot channel.
type TelegramConfig struct {
	BotToken string

	// DefaultChatID is used when a service has no chat id of its own.
	DefaultChatID string

	// BaseURL is the Bot API root.
	// Default: https://api.telegram.org
	BaseURL string

	Client *resilience.Client
}

// TelegramChannel sends messages through the Telegram Bot API.
type TelegramChannel struct {
	botToken      string
	defaultChatID string
	baseURL       string
	client        *resilience.Client
}

// NewTelegramChannel creates a chat bot channel.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Client == nil {
		cfg.Client = resilience.NewClient(resilience.DefaultClientConfig("telegram"))
	}
	return &TelegramChannel{
		botToken:      cfg.BotToken,
		defaultChatID: cfg.DefaultChatID,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		client:        cfg.Client,
	}
}

// Type returns "chat".
func (t *TelegramChannel) Type() string { return "chat" }

// Accepts reports whether chat notifications are enabled for svc.
func (t *TelegramChannel) Accepts(svc *monitor.Service) bool {
	return svc.NotifyChat && t.botToken != "" && t.chatID(svc) != ""
}

func (t *TelegramChannel) chatID(svc *monitor.Service) string {
	if svc.ChatID != nil && *svc.ChatID != "" {
		return *svc.ChatID
	}
	return t.defaultChatID
}

// Send posts msg to the service's chat.
func (t *TelegramChannel) Send(ctx context.Context, svc *monitor.Service, msg Message) error {
	payload := map[string]any{
		"chat_id":                  t.chatID(svc),
		"text":                     chatText(svc, msg),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	if err := t.client.PostJSON(ctx, url, nil, payload, &out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("telegram rejected message: %s", out.Description)
	}
	return nil
}

func chatText(svc *monitor.Service, msg Message) string {
	var b strings.Builder

	icon := "🔴"
	switch {
	case msg.Event == EventResolved:
		icon = "✅"
	case msg.IncidentKind == "degraded":
		icon = "🟡"
	}

	title := msg.Title
	if msg.Event == EventResolved {
		title = svc.Name + " has recovered"
	}
	fmt.Fprintf(&b, "%s <b>%s</b>\n", icon, html.EscapeString(title))
	fmt.Fprintf(&b, "Target: <code>%s</code>\n", html.EscapeString(svc.Target))

	if msg.Event == EventOngoing {
		b.WriteString("Still failing.\n")
	}
	if msg.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", html.EscapeString(msg.ErrorMessage))
	}
	if msg.ResponseTimeMs != nil {
		fmt.Fprintf(&b, "Response time: %dms\n", *msg.ResponseTimeMs)
	}
	if msg.Event == EventResolved && !msg.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", msg.Timestamp.Sub(msg.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "<i>%s</i>", msg.Timestamp.UTC().Format(time.RFC1123))

	return b.String()
}
