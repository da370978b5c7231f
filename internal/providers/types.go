package providers

import (
	"context"

	"github.com/skynetmoney/wizard/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

// PriceFeed returns current market data for a set of token contract
// addresses, keyed by normalized address.
type PriceFeed interface {
	Provider
	TokenPrices(ctx context.Context, addresses []string) (map[string]model.PriceInfo, error)
}

// DiscoveryFeed lists the current top meme tokens and quotes the wrapped
// native asset, used to refresh the token registry.
type DiscoveryFeed interface {
	Provider
	TopMemecoins(ctx context.Context, limit int) ([]model.Token, error)
	WrappedNativePrice(ctx context.Context) (float64, error)
}
