package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/httpx"
	"github.com/skynetmoney/wizard/internal/model"
)

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()
	c, err := New(Config{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		BaseURL:  baseURL,
		APIKey:   "test-key",
	}, httpx.New(2*time.Second, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGenerateReturnsRawReply(t *testing.T) {
	// Trailing whitespace must survive: the refraining check downstream
	// compares the whole raw reply.
	const reply = "PEPE buy 12.5 USDC\nBrett sell 40\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: reply}}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.Generate(context.Background(), Prompt{System: "sys", User: "user"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != reply {
		t.Errorf("reply = %q, want %q", got, reply)
	}
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"message": "model overloaded"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), Prompt{User: "user"})
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("error should carry the API message, got %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New(Config{Provider: "openai"}, httpx.New(time.Second, 0))
	if !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestTradingPromptMentionsEverything(t *testing.T) {
	entries := []model.PortfolioEntry{
		{Asset: "USDC", Value: 950, Amount: 1},
		{Asset: "PEPE", Address: "0xpepe", Value: 0.4, Amount: 125},
	}
	tokens := []model.Token{
		{Name: "PEPE", Symbol: "PEPE", Address: "0xpepe"},
		{Name: "Unpriced", Symbol: "NOPX", Address: "0xdead"},
	}
	prices := map[string]model.PriceInfo{
		"0xpepe": {USD: 0.5, MarketCapUSD: 1000000, Volume24hUSD: 50000, Change24hPct: -2.1},
	}

	p := TradingPrompt(entries, tokens, prices, "USDC")
	if p.System == "" {
		t.Error("system prompt is empty")
	}
	for _, want := range []string{
		"950 USDC.",
		"125 of PEPE bought at the price level of 0.4 USDC.",
		"name: PEPE, contractAddress: 0xpepe, price: 0.5 USD",
		"buy <amount in USDC>",
		"sell <amount in USDC>",
		"refraining",
	} {
		if !strings.Contains(p.User, want) {
			t.Errorf("prompt missing %q\n%s", want, p.User)
		}
	}
	if strings.Contains(p.User, "Unpriced") {
		t.Error("tokens without a price should not appear in the snapshot section")
	}
}
