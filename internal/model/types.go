package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RequiresKey   bool     `json:"requires_key"`
	Capabilities  []string `json:"capabilities"`
	KeyEnvVarName string   `json:"key_env_var,omitempty"`
}

// PortfolioEntry is one row of the persisted ledger. Value is the last-known
// unit price in USDC (for the quote row it carries the USDC balance itself);
// Purchased is re-stamped on every mutation, epoch milliseconds.
type PortfolioEntry struct {
	Asset     string  `json:"asset"`
	Address   string  `json:"address,omitempty"`
	Value     float64 `json:"value"`
	Amount    float64 `json:"amount"`
	Purchased int64   `json:"purchased"`
}

// PriceInfo is one token's market snapshot from the price feed.
type PriceInfo struct {
	USD           float64 `json:"usd"`
	MarketCapUSD  float64 `json:"usd_market_cap"`
	Volume24hUSD  float64 `json:"usd_24h_vol"`
	Change24hPct  float64 `json:"usd_24h_change"`
	LastUpdatedAt int64   `json:"last_updated_at"`
}

// Token is a tradeable token known to the registry.
type Token struct {
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

type InstructionAction string

const (
	ActionBuy  InstructionAction = "buy"
	ActionSell InstructionAction = "sell"
)

// Instruction is one parsed agent reply line. Amount is kept as the raw
// word from the reply; the reconciliation engine validates it is numeric.
// Amounts are denominated in the quote currency (USDC) for both sides.
type Instruction struct {
	Subject string            `json:"subject"`
	Action  InstructionAction `json:"action"`
	Amount  string            `json:"amount"`
	Unit    string            `json:"unit,omitempty"`
}
