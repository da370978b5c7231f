package agent

import (
	"context"
	"strings"
	"time"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/httpx"
)

type openAIClient struct {
	http            *httpx.Client
	baseURL         string
	apiKey          string
	model           string
	temperature     float64
	maxOutputTokens int
	timeout         time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIClient) Provider() string { return "openai" }

func (c *openAIClient) Model() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: prompt.System})
	}
	if strings.TrimSpace(prompt.User) != "" {
		messages = append(messages, chatMessage{Role: "user", Content: prompt.User})
	}
	if len(messages) == 0 {
		return "", clierr.New(clierr.CodeInternal, "empty prompt")
	}

	payload := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxOutputTokens,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var parsed chatResponse
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if _, err := c.http.PostJSON(ctx, c.baseURL+"/chat/completions", payload, headers, &parsed); err != nil {
		return "", err
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return "", clierr.New(clierr.CodeUnavailable, "openai error: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", clierr.New(clierr.CodeUnavailable, "openai response had no choices")
	}
	// Returned verbatim: downstream checks the whole raw reply against
	// the refraining sentinel before splitting it into lines.
	return parsed.Choices[0].Message.Content, nil
}
