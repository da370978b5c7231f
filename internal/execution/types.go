package execution

import "time"

type TradeStatus string

const (
	TradeStatusRecorded  TradeStatus = "recorded"
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusConfirmed TradeStatus = "confirmed"
	TradeStatusFailed    TradeStatus = "failed"
)

// Trade is one executed (or simulated) leg of a reconciliation: a single
// buy or sell of one token, denominated in the quote currency.
type Trade struct {
	TradeID     string  `json:"trade_id"`
	Asset       string  `json:"asset"`
	Address     string  `json:"address,omitempty"`
	Action      string  `json:"action"`
	AmountQuote float64 `json:"amount_quote"`
	AmountToken float64 `json:"amount_token"`
	Price       float64 `json:"price"`

	Status    TradeStatus `json:"status"`
	ChainID   int64       `json:"chain_id"`
	TxHash    string      `json:"tx_hash,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

func NewTrade(tradeID, asset, address, action string, amountQuote, amountToken, price float64, chainID int64) Trade {
	now := time.Now().UTC().Format(time.RFC3339)
	return Trade{
		TradeID:     tradeID,
		Asset:       asset,
		Address:     address,
		Action:      action,
		AmountQuote: amountQuote,
		AmountToken: amountToken,
		Price:       price,
		Status:      TradeStatusRecorded,
		ChainID:     chainID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (t *Trade) Touch() {
	t.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}
