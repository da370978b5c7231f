package cycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skynetmoney/wizard/internal/agent"
	"github.com/skynetmoney/wizard/internal/cache"
	"github.com/skynetmoney/wizard/internal/config"
	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/ledger"
	"github.com/skynetmoney/wizard/internal/model"
)

const pepeAddr = "0x6982508145454ce325ddbe47a25d4ec3d2311933"

type fakePrices struct {
	snapshot map[string]model.PriceInfo
	err      error
	calls    int
}

func (f *fakePrices) TokenPrices(ctx context.Context, addresses []string) (map[string]model.PriceInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type fakeAgent struct {
	reply string
	err   error
}

func (f *fakeAgent) Generate(ctx context.Context, prompt agent.Prompt) (string, error) {
	return f.reply, f.err
}
func (f *fakeAgent) Provider() string { return "fake" }
func (f *fakeAgent) Model() string    { return "fake" }

type fakeDiscovery struct {
	tokens []model.Token
}

func (f *fakeDiscovery) TopMemecoins(ctx context.Context, limit int) ([]model.Token, error) {
	return f.tokens, nil
}

func writeTokensFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tokens.json")
	tokens := []model.Token{{Name: "PEPE", Symbol: "PEPE", Address: pepeAddr}}
	buf, err := json.Marshal(tokens)
	if err != nil {
		t.Fatalf("marshal tokens: %v", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write tokens: %v", err)
	}
	return path
}

func newTestEngine(t *testing.T, dir string, prices PriceSource, fa *fakeAgent) *Engine {
	t.Helper()
	store, err := ledger.Open(filepath.Join(dir, "portfolio.json"), filepath.Join(dir, "portfolio.lock"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return &Engine{
		Log:    zap.NewNop(),
		Prices: prices,
		Agent:  fa,
		Ledger: store,
		Settings: config.Settings{
			TokensPath:      writeTokensFile(t, dir),
			StartingBalance: 1000,
			Interval:        10 * time.Millisecond,
			TopTokens:       5,
			MaxFailures:     2,
			MaxStale:        time.Minute,
		},
		now: func() time.Time { return time.UnixMilli(42000) },
	}
}

func TestRunOnceAppliesBuy(t *testing.T) {
	dir := t.TempDir()
	prices := &fakePrices{snapshot: map[string]model.PriceInfo{pepeAddr: {USD: 0.5}}}
	e := newTestEngine(t, dir, prices, &fakeAgent{reply: "PEPE buy 100 USDC"})

	res, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Refrained || res.Applied != 1 || res.Instructions != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	entries, err := e.Ledger.Load(1000, time.Now())
	if err != nil {
		t.Fatalf("reload portfolio: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected quote row plus position, got %+v", entries)
	}
	if entries[0].Value != 900 {
		t.Errorf("quote balance = %v", entries[0].Value)
	}
	if entries[1].Asset != "PEPE" || entries[1].Amount != 200 {
		t.Errorf("position = %+v", entries[1])
	}
}

func TestRunOnceRefrainingLeavesPortfolioUntouched(t *testing.T) {
	dir := t.TempDir()
	prices := &fakePrices{snapshot: map[string]model.PriceInfo{pepeAddr: {USD: 0.5}}}
	e := newTestEngine(t, dir, prices, &fakeAgent{reply: "refraining"})

	res, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !res.Refrained {
		t.Fatal("expected refrained result")
	}
	if len(res.Portfolio) != 1 || res.Portfolio[0].Value != 1000 {
		t.Fatalf("portfolio should be the seeded quote row: %+v", res.Portfolio)
	}
}

func TestRunOncePaddedRefrainingIsMalformed(t *testing.T) {
	dir := t.TempDir()
	prices := &fakePrices{snapshot: map[string]model.PriceInfo{pepeAddr: {USD: 0.5}}}
	e := newTestEngine(t, dir, prices, &fakeAgent{reply: " refraining\n"})

	_, err := e.RunOnce(context.Background())
	if !clierr.Is(err, clierr.CodeParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestRunOnceMalformedReplyAppliesNothing(t *testing.T) {
	dir := t.TempDir()
	prices := &fakePrices{snapshot: map[string]model.PriceInfo{pepeAddr: {USD: 0.5}}}
	e := newTestEngine(t, dir, prices, &fakeAgent{reply: "PEPE buy 100\nI think we should wait"})

	if _, err := e.RunOnce(context.Background()); !clierr.Is(err, clierr.CodeParse) {
		t.Fatalf("expected parse error, got %v", err)
	}

	entries, err := e.Ledger.Load(1000, time.Now())
	if err != nil {
		t.Fatalf("reload portfolio: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != 1000 {
		t.Fatalf("portfolio must be untouched after batch failure: %+v", entries)
	}
}

func TestFetchPricesFallsBackToCache(t *testing.T) {
	dir := t.TempDir()
	feedErr := clierr.New(clierr.CodeUnavailable, "feed down")
	prices := &fakePrices{err: feedErr}
	e := newTestEngine(t, dir, prices, &fakeAgent{reply: "refraining"})

	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	e.Cache = store

	snapshot := map[string]model.PriceInfo{pepeAddr: {USD: 0.4}}
	buf, _ := json.Marshal(snapshot)
	if err := store.Set(priceCacheKey, buf, time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	got, err := e.fetchPrices(context.Background(), []string{pepeAddr})
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if price, ok := got.Price(pepeAddr); !ok || price != 0.4 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	// With NoStale the feed error must surface instead.
	e.Settings.NoStale = true
	if _, err := e.fetchPrices(context.Background(), []string{pepeAddr}); err == nil {
		t.Fatal("expected feed error with NoStale set")
	}
}

func TestLoadRegistryRefreshesFromDiscovery(t *testing.T) {
	dir := t.TempDir()
	prices := &fakePrices{snapshot: map[string]model.PriceInfo{pepeAddr: {USD: 0.5}}}
	e := newTestEngine(t, dir, prices, &fakeAgent{reply: "refraining"})
	e.Settings.TokensPath = filepath.Join(dir, "fresh-tokens.json")
	e.Discovery = &fakeDiscovery{tokens: []model.Token{{Name: "Brett", Symbol: "BRETT", Address: "0x532f27101965dd16442e59d40670faf5ebb142e4"}}}

	registry, err := e.loadRegistry(context.Background())
	if err != nil {
		t.Fatalf("loadRegistry failed: %v", err)
	}
	if toks := registry.Tokens(); len(toks) != 1 || toks[0].Name != "Brett" {
		t.Fatalf("unexpected tokens: %+v", registry.Tokens())
	}
	if _, err := os.Stat(e.Settings.TokensPath); err != nil {
		t.Fatalf("registry file should be persisted: %v", err)
	}
}
