package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skynetmoney/wizard/internal/agent"
	"github.com/skynetmoney/wizard/internal/cache"
	"github.com/skynetmoney/wizard/internal/config"
	"github.com/skynetmoney/wizard/internal/cycle"
	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/execution"
	"github.com/skynetmoney/wizard/internal/execution/signer"
	"github.com/skynetmoney/wizard/internal/httpx"
	"github.com/skynetmoney/wizard/internal/ledger"
	"github.com/skynetmoney/wizard/internal/model"
	"github.com/skynetmoney/wizard/internal/out"
	"github.com/skynetmoney/wizard/internal/policy"
	"github.com/skynetmoney/wizard/internal/providers"
	"github.com/skynetmoney/wizard/internal/providers/coingecko"
	"github.com/skynetmoney/wizard/internal/providers/coinranking"
	"github.com/skynetmoney/wizard/internal/schema"
	"github.com/skynetmoney/wizard/internal/token"
	"github.com/skynetmoney/wizard/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	cache         *cache.Store
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool

	http          *httpx.Client
	prices        providers.PriceFeed
	discovery     providers.DiscoveryFeed
	logger        *zap.Logger
	providerInfos []model.ProviderInfo
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err == nil {
		if state.cache != nil {
			_ = state.cache.Close()
		}
		return 0
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	if state.cache != nil {
		_ = state.cache.Close()
	}
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Autonomous memecoin trading agent on Base",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if s.http == nil {
				s.http = httpx.New(settings.Timeout, settings.Retries)
				s.prices = coingecko.New(s.http, settings.CoingeckoAPIKey)
				s.discovery = coinranking.New(s.http, settings.CoinrankingAPIKey)
				s.providerInfos = []model.ProviderInfo{
					s.prices.Info(),
					s.discovery.Info(),
				}
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.PortfolioPath, "portfolio", "", "Path to portfolio ledger file")
	cmd.PersistentFlags().StringVar(&s.flags.TokensPath, "tokens", "", "Path to token registry file")
	cmd.PersistentFlags().StringVar(&s.flags.Interval, "interval", "", "Trading cycle interval")
	cmd.PersistentFlags().Float64Var(&s.flags.StartingBalance, "starting-balance", 0, "Starting quote balance for a fresh portfolio")
	cmd.PersistentFlags().BoolVar(&s.flags.DryRun, "dry-run", false, "Never submit transactions on-chain")

	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newCycleCommand())
	cmd.AddCommand(s.newChatCommand())
	cmd.AddCommand(s.newPortfolioCommand())
	cmd.AddCommand(s.newPricesCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List data providers and API key metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var maxFailures int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the autonomous trading loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxFailures > 0 {
				s.settings.MaxFailures = maxFailures
			}
			engine, cleanup, err := s.newEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine.Log.Info("wizard is up",
				zap.Duration("interval", s.settings.Interval),
				zap.String("model", engine.Agent.Model()),
				zap.Bool("execution", s.settings.ExecutionEnabled && !s.settings.DryRun))
			err = engine.Run(ctx)
			if errors.Is(err, context.Canceled) {
				engine.Log.Info("shutting down")
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxFailures, "max-failures", 0, "Consecutive failed cycles tolerated before aborting")
	return cmd
}

func (s *runtimeState) newCycleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single trading cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := s.newEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Interval)
			defer cancel()
			result, err := engine.RunOnce(ctx)
			if err != nil {
				return err
			}
			s.captureCommandDiagnostics(result.Warnings, nil, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, result.Warnings, cacheMetaBypass(), nil, false)
		},
	}
	return cmd
}

func (s *runtimeState) newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the trading agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			llm, err := s.newAgent()
			if err != nil {
				return err
			}
			stdout := s.runner.stdout
			_, _ = fmt.Fprintln(stdout, "wizard is up")
			_, _ = fmt.Fprintln(stdout, "Starting chat mode... Type 'exit' to end.")

			in := bufio.NewScanner(cmd.InOrStdin())
			for {
				_, _ = fmt.Fprint(stdout, "\nPrompt: ")
				if !in.Scan() {
					break
				}
				input := strings.TrimSpace(in.Text())
				if input == "" {
					continue
				}
				if strings.EqualFold(input, "exit") {
					break
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.settings.LLMTimeoutSeconds)*time.Second)
				reply, err := llm.Generate(ctx, agent.ChatPrompt(input))
				cancel()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, reply)
				_, _ = fmt.Fprintln(stdout, "-------------------")
			}
			return in.Err()
		},
	}
	return cmd
}

type portfolioView struct {
	Entries    []model.PortfolioEntry `json:"entries"`
	TotalValue float64                `json:"total_value"`
}

func (s *runtimeState) newPortfolioCommand() *cobra.Command {
	root := &cobra.Command{Use: "portfolio", Short: "Portfolio ledger commands"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ledger.Open(s.settings.PortfolioPath, s.settings.PortfolioLockPath)
			if err != nil {
				return err
			}
			entries, err := store.Load(s.settings.StartingBalance, s.runner.now())
			if err != nil {
				return err
			}
			view := portfolioView{Entries: entries}
			for _, entry := range entries {
				view.TotalValue += entry.Amount * entry.Value
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(show)
	return root
}

type priceRow struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
	model.PriceInfo
}

// pricesView carries the tracked-token snapshot plus the wrapped native
// (WETH) reference quote used to sanity-check token prices against the
// broader market.
type pricesView struct {
	Tokens        []priceRow `json:"tokens"`
	WrappedNative float64    `json:"wrapped_native_usd,omitempty"`
}

func (s *runtimeState) newPricesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Price snapshot for the tracked tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := token.Load(s.settings.TokensPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return clierr.New(clierr.CodeUsage, "token registry not found, run 'wizard tokens refresh' first")
				}
				return err
			}
			addresses := registry.Addresses()
			key := cacheKey(trimRootPath(cmd.CommandPath()), map[string]any{"addresses": addresses})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, 90*time.Second, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				start := time.Now()
				snapshot, err := s.prices.TokenPrices(ctx, addresses)
				status := []model.ProviderStatus{{Name: s.prices.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
				if err != nil {
					return nil, status, nil, false, err
				}
				view := pricesView{Tokens: make([]priceRow, 0, len(addresses))}
				partial := false
				for _, tok := range registry.Tokens() {
					info, ok := snapshot[token.NormalizeAddress(tok.Address)]
					if !ok {
						partial = true
						continue
					}
					view.Tokens = append(view.Tokens, priceRow{Asset: tok.Name, Address: tok.Address, PriceInfo: info})
				}
				var warnings []string
				if partial {
					warnings = append(warnings, "price feed returned no quote for one or more tracked tokens")
				}

				wethStart := time.Now()
				weth, wethErr := s.discovery.WrappedNativePrice(ctx)
				status = append(status, model.ProviderStatus{Name: s.discovery.Info().Name, Status: statusFromErr(wethErr), LatencyMS: time.Since(wethStart).Milliseconds()})
				if wethErr != nil {
					// The reference quote is advisory; token prices still stand.
					partial = true
					warnings = append(warnings, "wrapped native reference price unavailable")
				} else {
					view.WrappedNative = weth
				}
				return view, status, warnings, partial, nil
			})
		},
	}
	return cmd
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token registry commands"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tracked tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := token.Load(s.settings.TokensPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return clierr.New(clierr.CodeUsage, "token registry not found, run 'wizard tokens refresh' first")
				}
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), registry.Tokens(), nil, cacheMetaBypass(), nil, false)
		},
	}

	var top int
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the token registry from the discovery feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := top
			if limit <= 0 {
				limit = s.settings.TopTokens
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			start := time.Now()
			tokens, err := s.discovery.TopMemecoins(ctx, limit)
			status := []model.ProviderStatus{{Name: s.discovery.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			s.captureCommandDiagnostics(nil, status, false)
			if err != nil {
				return err
			}
			registry, err := token.New(tokens)
			if err != nil {
				return err
			}
			if err := registry.Save(s.settings.TokensPath); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), registry.Tokens(), nil, cacheMetaBypass(), status, false)
		},
	}
	refresh.Flags().IntVar(&top, "top", 0, "Number of top memecoins to track")

	root.AddCommand(list)
	root.AddCommand(refresh)
	return root
}

func (s *runtimeState) newAgent() (agent.Client, error) {
	return agent.New(agent.Config{
		Provider:        s.settings.LLMProvider,
		Model:           s.settings.LLMModel,
		BaseURL:         s.settings.LLMBaseURL,
		APIKey:          s.settings.LLMAPIKey,
		Temperature:     s.settings.LLMTemperature,
		MaxOutputTokens: s.settings.LLMMaxOutputTokens,
		TimeoutSeconds:  s.settings.LLMTimeoutSeconds,
	}, s.http)
}

func (s *runtimeState) newEngine() (*cycle.Engine, func(), error) {
	llm, err := s.newAgent()
	if err != nil {
		return nil, nil, err
	}
	ledgerStore, err := ledger.Open(s.settings.PortfolioPath, s.settings.PortfolioLockPath)
	if err != nil {
		return nil, nil, err
	}
	tradeStore, err := execution.OpenStore(s.settings.TradeStorePath, s.settings.TradeLockPath)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = tradeStore.Close() }

	var exec cycle.TradeExecutor
	if s.settings.ExecutionEnabled && !s.settings.DryRun {
		txSigner, err := s.newExecSigner()
		if err != nil {
			cleanup()
			return nil, nil, clierr.Wrap(clierr.CodeExecution, "load signing key", err)
		}
		rpcURL := s.settings.RPCURL
		router := s.settings.RouterAddress
		opts := execution.DefaultExecuteOptions()
		exec = func(ctx context.Context, trade *execution.Trade) error {
			return execution.ExecuteTrade(ctx, tradeStore, trade, rpcURL, router, txSigner, opts)
		}
	}

	engine := &cycle.Engine{
		Log:       s.log(),
		Prices:    s.prices,
		Discovery: s.discovery,
		Agent:     llm,
		Ledger:    ledgerStore,
		Cache:     s.cache,
		Trades:    tradeStore,
		Execute:   exec,
		Settings:  s.settings,
	}
	return engine, cleanup, nil
}

func (s *runtimeState) newExecSigner() (signer.Signer, error) {
	if env := strings.TrimSpace(s.settings.WalletKeyEnv); env != "" && env != signer.EnvPrivateKey {
		if raw := strings.TrimSpace(os.Getenv(env)); raw != "" {
			return signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: raw})
		}
	}
	return signer.NewLocalSignerFromEnv()
}

func (s *runtimeState) log() *zap.Logger {
	if s.logger == nil {
		encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		core := zapcore.NewCore(encoder, zapcore.AddSync(s.runner.stderr), zapcore.InfoLevel)
		s.logger = zap.New(core)
	}
	return s.logger
}

func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error)) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			if !cached.Stale {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					s.captureCommandDiagnostics(warnings, nil, false)
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil, false)
				}
			} else {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					staleData = data
					staleAvailable = true
					staleObservedAge = cached.Age
					staleObservedAt = time.Now()
					staleCacheStatus = entryStatus
				}
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, providerStatus, providerWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and cached data exceeded stale budget", err)
			}
			warnings = append(warnings, "provider fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings, providerStatus, false)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, providerStatus, false)
		}
		return err
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			_ = s.cache.Set(key, payload, ttl)
			cacheStatus = model.CacheStatus{Status: "write", AgeMS: 0, Stale: false}
		}
	}

	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus, partial)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		switch cErr.Code {
		case clierr.CodeUsage:
			typ = "usage_error"
		case clierr.CodeAuth:
			typ = "auth_error"
		case clierr.CodeRateLimited:
			typ = "rate_limited"
		case clierr.CodeUnavailable:
			typ = "provider_unavailable"
		case clierr.CodeUnsupported:
			typ = "unsupported"
		case clierr.CodeStale:
			typ = "stale_data"
		case clierr.CodeBlocked:
			typ = "command_blocked"
		case clierr.CodeParse:
			typ = "parse_error"
		case clierr.CodeUnresolvedPrice:
			typ = "unresolved_price"
		case clierr.CodePersistence:
			typ = "persistence_error"
		case clierr.CodeExecution:
			typ = "execution_error"
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func cacheKey(commandPath string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(commandPath+"|"), buf...))
	return hex.EncodeToString(sum[:])
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "run", "cycle", "prices":
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
