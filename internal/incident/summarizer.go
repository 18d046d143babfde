package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/provider/resilience"
)

// SummaryInput is what a summarizer sees about a new incident.
type SummaryInput struct {
	Service  *monitor.Service
	Incident *Incident
	Result   *monitor.CheckResult
}

// Summarizer produces a short human-readable incident summary.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}

// OpenAIConfig configures an OpenAI-compatible chat completions summarizer.
type OpenAIConfig struct {
	APIKey string

	// BaseURL is the API root without the /chat/completions suffix.
	// Default: https://api.openai.com/v1
	BaseURL string

	// Model is the chat model name.
	// Default: gpt-4o-mini
	Model string

	// MaxTokens caps the summary length.
	// Default: 200
	MaxTokens int

	Client *resilience.Client
}

// OpenAISummarizer calls an OpenAI-compatible chat completions API.
type OpenAISummarizer struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *resilience.Client
}

// NewOpenAISummarizer creates a summarizer.
func NewOpenAISummarizer(cfg OpenAIConfig) *OpenAISummarizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 200
	}
	if cfg.Client == nil {
		cfg.Client = resilience.NewClient(resilience.ClientConfig{
			Name:       "summarizer",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
		})
	}
	return &OpenAISummarizer{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    cfg.Client,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const summaryPrompt = "You are an SRE assistant. Summarize the incident for a status page in two sentences. " +
	"State what is affected and the observed symptom. Do not speculate about root causes you cannot see."

// Summarize asks the model for a short incident summary.
func (s *OpenAISummarizer) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: describe(in)},
		},
		MaxTokens:   s.maxTokens,
		Temperature: 0.2,
	}

	var resp chatResponse
	headers := map[string]string{"Authorization": "Bearer " + s.apiKey}
	if err := s.client.PostJSON(ctx, s.baseURL+"/chat/completions", headers, req, &resp); err != nil {
		return "", fmt.Errorf("summary request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("summary response had no choices")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.New("summary response was empty")
	}
	return summary, nil
}

func describe(in SummaryInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", in.Incident.Title)
	fmt.Fprintf(&b, "Service: %s (%s check against %s)\n", in.Service.Name, in.Service.Type, in.Service.Target)
	fmt.Fprintf(&b, "Started: %s\n", in.Incident.StartedAt.UTC().Format(time.RFC3339))
	if in.Result != nil {
		fmt.Fprintf(&b, "Observed status: %s\n", in.Result.Status)
		if in.Result.StatusCode != nil {
			fmt.Fprintf(&b, "HTTP status code: %d\n", *in.Result.StatusCode)
		}
		if in.Result.ResponseTimeMs != nil {
			fmt.Fprintf(&b, "Response time: %dms\n", *in.Result.ResponseTimeMs)
		}
		if in.Result.ErrorMessage != nil {
			fmt.Fprintf(&b, "Error: %s\n", *in.Result.ErrorMessage)
		}
	}
	return b.String()
}
