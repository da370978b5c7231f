// Package cycle drives the trading loop: fetch prices, ask the model for
// instructions, reconcile the portfolio, persist, and optionally execute.
package cycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/skynetmoney/wizard/internal/agent"
	"github.com/skynetmoney/wizard/internal/cache"
	"github.com/skynetmoney/wizard/internal/config"
	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/execution"
	"github.com/skynetmoney/wizard/internal/instruction"
	"github.com/skynetmoney/wizard/internal/ledger"
	"github.com/skynetmoney/wizard/internal/model"
	"github.com/skynetmoney/wizard/internal/policy"
	"github.com/skynetmoney/wizard/internal/token"
)

const (
	priceCacheKey  = "prices:base"
	priceCacheTTL  = 90 * time.Second
	exposureCap    = 0.05
	agentMaxReply  = 1 << 16
	executeTimeout = 5 * time.Minute
)

type PriceSource interface {
	TokenPrices(ctx context.Context, addresses []string) (map[string]model.PriceInfo, error)
}

type Discovery interface {
	TopMemecoins(ctx context.Context, limit int) ([]model.Token, error)
}

// TradeExecutor submits one applied trade on-chain. Wired only when live
// execution is configured.
type TradeExecutor func(ctx context.Context, trade *execution.Trade) error

type Engine struct {
	Log       *zap.Logger
	Prices    PriceSource
	Discovery Discovery
	Agent     agent.Client
	Ledger    *ledger.Store
	Cache     *cache.Store
	Trades    *execution.Store
	Execute   TradeExecutor
	Settings  config.Settings

	now func() time.Time
}

// Result summarizes one completed cycle.
type Result struct {
	Refrained    bool                   `json:"refrained"`
	Instructions int                    `json:"instructions"`
	Applied      int                    `json:"applied"`
	Warnings     []string               `json:"warnings,omitempty"`
	Failed       []string               `json:"failed,omitempty"`
	Portfolio    []model.PortfolioEntry `json:"portfolio"`
	TotalValue   float64                `json:"total_value"`
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// RunOnce executes a single observe-decide-reconcile-persist pass.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	registry, err := e.loadRegistry(ctx)
	if err != nil {
		return Result{}, err
	}

	prices, err := e.fetchPrices(ctx, registry.Addresses())
	if err != nil {
		return Result{}, err
	}

	now := e.clock()
	entries, err := e.Ledger.Load(e.Settings.StartingBalance, now)
	if err != nil {
		return Result{}, err
	}

	prompt := agent.TradingPrompt(entries, registry.Tokens(), prices, ledger.QuoteAsset)
	reply, err := e.Agent.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	if len(reply) > agentMaxReply {
		return Result{}, clierr.New(clierr.CodeParse, "model reply exceeds size limit")
	}

	if instruction.IsRefraining(reply) {
		e.Log.Info("model refrained from trading")
		return Result{Refrained: true, Portfolio: entries, TotalValue: totalValue(entries)}, nil
	}

	insts, _, err := instruction.ParseReply(reply)
	if err != nil {
		return Result{}, err
	}

	for _, w := range policy.ExposureWarnings(insts, quoteBalance(entries), exposureCap) {
		e.Log.Warn("exposure policy", zap.String("warning", w))
	}

	res, err := ledger.Reconcile(entries, insts, prices, registry.Book(), now)
	if err != nil {
		return Result{}, err
	}
	if err := e.Ledger.Save(res.Entries); err != nil {
		return Result{}, err
	}

	e.recordTrades(ctx, res.Trades)

	out := Result{
		Instructions: len(insts),
		Applied:      res.Applied,
		Warnings:     res.Warnings,
		Portfolio:    res.Entries,
		TotalValue:   totalValue(res.Entries),
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, fmt.Sprintf("%s: %v", f.Subject, f.Err))
	}
	e.Log.Info("cycle complete",
		zap.Int("instructions", out.Instructions),
		zap.Int("applied", out.Applied),
		zap.Int("warnings", len(out.Warnings)),
		zap.Int("failed", len(out.Failed)),
		zap.Float64("total_value", out.TotalValue))
	return out, nil
}

// Run loops RunOnce at the configured interval. Cycle errors are logged
// and counted; the loop stops once MaxFailures consecutive cycles fail,
// or immediately on a persistence failure.
func (e *Engine) Run(ctx context.Context) error {
	consecutive := 0
	for {
		cycleCtx, cancel := context.WithTimeout(ctx, e.Settings.Interval)
		_, err := e.RunOnce(cycleCtx)
		cancel()

		if err != nil {
			if clierr.Is(err, clierr.CodePersistence) {
				e.Log.Error("portfolio persistence failed, stopping", zap.Error(err))
				return err
			}
			consecutive++
			e.Log.Error("cycle failed", zap.Error(err), zap.Int("consecutive", consecutive))
			if consecutive >= e.Settings.MaxFailures {
				return clierr.Wrap(clierr.CodeInternal,
					fmt.Sprintf("aborting after %d consecutive failed cycles", consecutive), err)
			}
		} else {
			consecutive = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Settings.Interval):
		}
	}
}

// loadRegistry loads the token list, refreshing it from discovery on the
// first run when the file does not exist yet.
func (e *Engine) loadRegistry(ctx context.Context) (*token.Registry, error) {
	registry, err := token.Load(e.Settings.TokensPath)
	if err == nil {
		return registry, nil
	}
	if !errors.Is(err, os.ErrNotExist) || e.Discovery == nil {
		return nil, err
	}

	e.Log.Info("token registry missing, refreshing from discovery feed",
		zap.String("path", e.Settings.TokensPath))
	tokens, derr := e.Discovery.TopMemecoins(ctx, e.Settings.TopTokens)
	if derr != nil {
		return nil, derr
	}
	registry, err = token.New(tokens)
	if err != nil {
		return nil, err
	}
	if err := registry.Save(e.Settings.TokensPath); err != nil {
		return nil, err
	}
	return registry, nil
}

// fetchPrices asks the feed for a fresh snapshot, caching successes and
// falling back to a cached snapshot within the staleness budget when the
// feed is down.
func (e *Engine) fetchPrices(ctx context.Context, addresses []string) (ledger.PriceSnapshot, error) {
	snapshot, err := e.Prices.TokenPrices(ctx, addresses)
	if err == nil {
		if e.Cache != nil {
			if buf, merr := json.Marshal(snapshot); merr == nil {
				_ = e.Cache.Set(priceCacheKey, buf, priceCacheTTL)
			}
		}
		return snapshot, nil
	}
	if e.Cache == nil || e.Settings.NoStale {
		return nil, err
	}

	cached, cerr := e.Cache.Get(priceCacheKey, e.Settings.MaxStale)
	if cerr != nil || !cached.Hit || cached.TooStale {
		return nil, err
	}
	var fallback ledger.PriceSnapshot
	if uerr := json.Unmarshal(cached.Value, &fallback); uerr != nil {
		return nil, err
	}
	e.Log.Warn("price feed unavailable, serving cached snapshot",
		zap.Error(err), zap.Duration("age", cached.Age))
	return fallback, nil
}

// recordTrades logs every applied leg in the trade store and, when wired,
// hands it to the executor. Execution failures never unwind the ledger.
func (e *Engine) recordTrades(ctx context.Context, applied []ledger.AppliedTrade) {
	if e.Trades == nil || len(applied) == 0 {
		return
	}
	for _, leg := range applied {
		trade := execution.NewTrade(newTradeID(), leg.Asset, leg.Address, string(leg.Action),
			leg.Quote, leg.Tokens, leg.Price, e.Settings.ChainID)
		if err := e.Trades.Save(trade); err != nil {
			e.Log.Error("record trade", zap.Error(err), zap.String("asset", leg.Asset))
			continue
		}
		if e.Execute == nil {
			continue
		}
		execCtx, cancel := context.WithTimeout(ctx, executeTimeout)
		if err := e.Execute(execCtx, &trade); err != nil {
			e.Log.Error("execute trade", zap.Error(err),
				zap.String("asset", leg.Asset), zap.String("trade_id", trade.TradeID))
		}
		cancel()
	}
}

func quoteBalance(entries []model.PortfolioEntry) float64 {
	for _, e := range entries {
		if e.Asset == ledger.QuoteAsset {
			return e.Value
		}
	}
	return 0
}

func totalValue(entries []model.PortfolioEntry) float64 {
	var sum float64
	for _, e := range entries {
		sum += e.Amount * e.Value
	}
	return sum
}

func newTradeID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("trade-%d", time.Now().UnixNano())
	}
	return "trade-" + hex.EncodeToString(buf)
}
