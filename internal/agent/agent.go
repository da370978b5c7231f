// Package agent holds the language-model client that produces trading
// instructions, and the prompt that asks for them.
package agent

import (
	"context"
	"os"
	"strings"
	"time"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/httpx"
)

type Prompt struct {
	System string
	User   string
}

// Client generates one reply per prompt. The reply is returned exactly as
// the model produced it; callers decide how to interpret it.
type Client interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
	Provider() string
	Model() string
}

type Config struct {
	Provider        string
	Model           string
	BaseURL         string
	APIKey          string
	Temperature     float64
	MaxOutputTokens int
	TimeoutSeconds  int
}

func New(cfg Config, httpClient *httpx.Client) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, clierr.New(clierr.CodeAuth, "openai selected but no API key provided (OPENAI_API_KEY)")
		}
		model := strings.TrimSpace(cfg.Model)
		if model == "" {
			model = "gpt-4o-mini"
		}
		baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		timeout := cfg.TimeoutSeconds
		if timeout <= 0 {
			timeout = 60
		}
		return &openAIClient{
			http:            httpClient,
			baseURL:         baseURL,
			apiKey:          apiKey,
			model:           model,
			temperature:     cfg.Temperature,
			maxOutputTokens: cfg.MaxOutputTokens,
			timeout:         time.Duration(timeout) * time.Second,
		}, nil
	default:
		return nil, clierr.New(clierr.CodeUsage, "unknown llm provider: "+provider)
	}
}
