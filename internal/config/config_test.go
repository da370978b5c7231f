package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\nloop:\n  interval: 30s\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("WIZARD_OUTPUT", "json")
	t.Setenv("WIZARD_INTERVAL", "45s")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5, Interval: "90s"}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.Interval != 90*time.Second {
		t.Fatalf("expected interval from flags, got %s", settings.Interval)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	_, err := Load(GlobalFlags{JSON: true, Plain: true})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(tmp, "missing.yaml"), Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Interval != 2*time.Minute {
		t.Fatalf("default interval = %s", settings.Interval)
	}
	if settings.StartingBalance != 1000 {
		t.Fatalf("default starting balance = %v", settings.StartingBalance)
	}
	if settings.TopTokens != 5 {
		t.Fatalf("default top tokens = %d", settings.TopTokens)
	}
	if settings.LLMModel != "gpt-4o-mini" {
		t.Fatalf("default llm model = %q", settings.LLMModel)
	}
	if settings.ChainID != 8453 {
		t.Fatalf("default chain id = %d", settings.ChainID)
	}
}

func TestLoadFileSections(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	body := `portfolio:
  path: /data/portfolio.json
  starting_balance: 2500
tokens:
  path: /data/tokens.json
  top: 8
llm:
  model: gpt-4o
  api_key_env: TEST_LLM_KEY
feeds:
  coinranking:
    api_key: cr-key
execution:
  enabled: true
  rpc_url: https://mainnet.base.org
`
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TEST_LLM_KEY", "sk-test")

	settings, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.PortfolioPath != "/data/portfolio.json" {
		t.Errorf("portfolio path = %q", settings.PortfolioPath)
	}
	if settings.StartingBalance != 2500 {
		t.Errorf("starting balance = %v", settings.StartingBalance)
	}
	if settings.TokensPath != "/data/tokens.json" || settings.TopTokens != 8 {
		t.Errorf("tokens = %q top %d", settings.TokensPath, settings.TopTokens)
	}
	if settings.LLMModel != "gpt-4o" {
		t.Errorf("llm model = %q", settings.LLMModel)
	}
	if settings.LLMAPIKey != "sk-test" {
		t.Errorf("llm api key = %q", settings.LLMAPIKey)
	}
	if settings.CoinrankingAPIKey != "cr-key" {
		t.Errorf("coinranking key = %q", settings.CoinrankingAPIKey)
	}
	if !settings.ExecutionEnabled || settings.RPCURL != "https://mainnet.base.org" {
		t.Errorf("execution = %v %q", settings.ExecutionEnabled, settings.RPCURL)
	}
}
