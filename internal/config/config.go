package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool

	PortfolioPath   string
	TokensPath      string
	Interval        string
	StartingBalance float64
	DryRun          bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int

	MaxStale      time.Duration
	NoStale       bool
	CacheEnabled  bool
	CachePath     string
	CacheLockPath string

	PortfolioPath     string
	PortfolioLockPath string
	TokensPath        string
	StartingBalance   float64
	Interval          time.Duration
	TopTokens         int
	MaxFailures       int

	CoingeckoAPIKey   string
	CoinrankingAPIKey string

	LLMProvider        string
	LLMModel           string
	LLMBaseURL         string
	LLMAPIKey          string
	LLMTemperature     float64
	LLMMaxOutputTokens int
	LLMTimeoutSeconds  int

	ExecutionEnabled bool
	DryRun           bool
	RPCURL           string
	ChainID          int64
	RouterAddress    string
	WalletKeyEnv     string
	TradeStorePath   string
	TradeLockPath    string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Portfolio struct {
		Path            string   `yaml:"path"`
		LockPath        string   `yaml:"lock_path"`
		StartingBalance *float64 `yaml:"starting_balance"`
	} `yaml:"portfolio"`
	Tokens struct {
		Path string `yaml:"path"`
		Top  *int   `yaml:"top"`
	} `yaml:"tokens"`
	Loop struct {
		Interval    string `yaml:"interval"`
		MaxFailures *int   `yaml:"max_failures"`
	} `yaml:"loop"`
	LLM struct {
		Provider        string   `yaml:"provider"`
		Model           string   `yaml:"model"`
		BaseURL         string   `yaml:"base_url"`
		APIKey          string   `yaml:"api_key"`
		APIKeyEnv       string   `yaml:"api_key_env"`
		Temperature     *float64 `yaml:"temperature"`
		MaxOutputTokens *int     `yaml:"max_output_tokens"`
		TimeoutSeconds  *int     `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	Feeds struct {
		Coingecko struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"coingecko"`
		Coinranking struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"coinranking"`
	} `yaml:"feeds"`
	Execution struct {
		Enabled       *bool  `yaml:"enabled"`
		RPCURL        string `yaml:"rpc_url"`
		ChainID       *int64 `yaml:"chain_id"`
		RouterAddress string `yaml:"router_address"`
		WalletKeyEnv  string `yaml:"wallet_key_env"`
		TradesPath    string `yaml:"trades_path"`
		TradesLock    string `yaml:"trades_lock_path"`
	} `yaml:"execution"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.Interval <= 0 {
		settings.Interval = 2 * time.Minute
	}
	if settings.TopTokens <= 0 {
		settings.TopTokens = 5
	}
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = 5
	}
	if settings.StartingBalance <= 0 {
		settings.StartingBalance = 1000
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:        "json",
		Timeout:           10 * time.Second,
		Retries:           2,
		MaxStale:          5 * time.Minute,
		CacheEnabled:      true,
		CachePath:         filepath.Join(dataDir, "cache.db"),
		CacheLockPath:     filepath.Join(dataDir, "cache.lock"),
		PortfolioPath:     filepath.Join(dataDir, "portfolio.json"),
		PortfolioLockPath: filepath.Join(dataDir, "portfolio.lock"),
		TokensPath:        filepath.Join(dataDir, "base_top_memecoins.json"),
		StartingBalance:   1000,
		Interval:          2 * time.Minute,
		TopTokens:         5,
		MaxFailures:       5,
		LLMProvider:       "openai",
		LLMModel:          "gpt-4o-mini",
		LLMTimeoutSeconds: 60,
		ChainID:           8453,
		WalletKeyEnv:      "WIZARD_PRIVATE_KEY",
		TradeStorePath:    filepath.Join(dataDir, "trades.db"),
		TradeLockPath:     filepath.Join(dataDir, "trades.lock"),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "wizard", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "wizard"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Portfolio.Path != "" {
		settings.PortfolioPath = cfg.Portfolio.Path
	}
	if cfg.Portfolio.LockPath != "" {
		settings.PortfolioLockPath = cfg.Portfolio.LockPath
	}
	if cfg.Portfolio.StartingBalance != nil {
		settings.StartingBalance = *cfg.Portfolio.StartingBalance
	}
	if cfg.Tokens.Path != "" {
		settings.TokensPath = cfg.Tokens.Path
	}
	if cfg.Tokens.Top != nil {
		settings.TopTokens = *cfg.Tokens.Top
	}
	if cfg.Loop.Interval != "" {
		d, err := time.ParseDuration(cfg.Loop.Interval)
		if err != nil {
			return fmt.Errorf("config loop.interval: %w", err)
		}
		settings.Interval = d
	}
	if cfg.Loop.MaxFailures != nil {
		settings.MaxFailures = *cfg.Loop.MaxFailures
	}
	if cfg.LLM.Provider != "" {
		settings.LLMProvider = cfg.LLM.Provider
	}
	if cfg.LLM.Model != "" {
		settings.LLMModel = cfg.LLM.Model
	}
	if cfg.LLM.BaseURL != "" {
		settings.LLMBaseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.APIKey != "" {
		settings.LLMAPIKey = cfg.LLM.APIKey
	}
	if cfg.LLM.APIKeyEnv != "" {
		settings.LLMAPIKey = os.Getenv(cfg.LLM.APIKeyEnv)
	}
	if cfg.LLM.Temperature != nil {
		settings.LLMTemperature = *cfg.LLM.Temperature
	}
	if cfg.LLM.MaxOutputTokens != nil {
		settings.LLMMaxOutputTokens = *cfg.LLM.MaxOutputTokens
	}
	if cfg.LLM.TimeoutSeconds != nil {
		settings.LLMTimeoutSeconds = *cfg.LLM.TimeoutSeconds
	}
	if cfg.Feeds.Coingecko.APIKey != "" {
		settings.CoingeckoAPIKey = cfg.Feeds.Coingecko.APIKey
	}
	if cfg.Feeds.Coingecko.APIKeyEnv != "" {
		settings.CoingeckoAPIKey = os.Getenv(cfg.Feeds.Coingecko.APIKeyEnv)
	}
	if cfg.Feeds.Coinranking.APIKey != "" {
		settings.CoinrankingAPIKey = cfg.Feeds.Coinranking.APIKey
	}
	if cfg.Feeds.Coinranking.APIKeyEnv != "" {
		settings.CoinrankingAPIKey = os.Getenv(cfg.Feeds.Coinranking.APIKeyEnv)
	}
	if cfg.Execution.Enabled != nil {
		settings.ExecutionEnabled = *cfg.Execution.Enabled
	}
	if cfg.Execution.RPCURL != "" {
		settings.RPCURL = cfg.Execution.RPCURL
	}
	if cfg.Execution.ChainID != nil {
		settings.ChainID = *cfg.Execution.ChainID
	}
	if cfg.Execution.RouterAddress != "" {
		settings.RouterAddress = cfg.Execution.RouterAddress
	}
	if cfg.Execution.WalletKeyEnv != "" {
		settings.WalletKeyEnv = cfg.Execution.WalletKeyEnv
	}
	if cfg.Execution.TradesPath != "" {
		settings.TradeStorePath = cfg.Execution.TradesPath
	}
	if cfg.Execution.TradesLock != "" {
		settings.TradeLockPath = cfg.Execution.TradesLock
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("WIZARD_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("WIZARD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("WIZARD_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("WIZARD_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("WIZARD_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("WIZARD_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("WIZARD_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("WIZARD_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("WIZARD_PORTFOLIO_PATH"); v != "" {
		settings.PortfolioPath = v
	}
	if v := os.Getenv("WIZARD_PORTFOLIO_LOCK_PATH"); v != "" {
		settings.PortfolioLockPath = v
	}
	if v := os.Getenv("WIZARD_TOKENS_PATH"); v != "" {
		settings.TokensPath = v
	}
	if v := os.Getenv("WIZARD_STARTING_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.StartingBalance = f
		}
	}
	if v := os.Getenv("WIZARD_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Interval = d
		}
	}
	if v := os.Getenv("WIZARD_LLM_MODEL"); v != "" {
		settings.LLMModel = v
	}
	if v := os.Getenv("WIZARD_LLM_BASE_URL"); v != "" {
		settings.LLMBaseURL = v
	}
	if v := os.Getenv("WIZARD_COINGECKO_API_KEY"); v != "" {
		settings.CoingeckoAPIKey = v
	}
	if v := os.Getenv("WIZARD_COINRANKING_API_KEY"); v != "" {
		settings.CoinrankingAPIKey = v
	}
	if v := os.Getenv("WIZARD_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("WIZARD_TRADES_PATH"); v != "" {
		settings.TradeStorePath = v
	}
	if v := os.Getenv("WIZARD_TRADES_LOCK_PATH"); v != "" {
		settings.TradeLockPath = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if strings.TrimSpace(flags.EnableCommands) != "" {
		parts := strings.Split(flags.EnableCommands, ",")
		allowed := make([]string, 0, len(parts))
		for _, part := range parts {
			p := strings.TrimSpace(part)
			if p != "" {
				allowed = append(allowed, p)
			}
		}
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.PortfolioPath != "" {
		settings.PortfolioPath = flags.PortfolioPath
		settings.PortfolioLockPath = flags.PortfolioPath + ".lock"
	}
	if flags.TokensPath != "" {
		settings.TokensPath = flags.TokensPath
	}
	if flags.Interval != "" {
		d, err := time.ParseDuration(flags.Interval)
		if err != nil {
			return fmt.Errorf("parse --interval: %w", err)
		}
		settings.Interval = d
	}
	if flags.StartingBalance > 0 {
		settings.StartingBalance = flags.StartingBalance
	}
	if flags.DryRun {
		settings.DryRun = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}
