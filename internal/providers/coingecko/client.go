package coingecko

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/httpx"
	"github.com/skynetmoney/wizard/internal/model"
	"github.com/skynetmoney/wizard/internal/token"
)

const (
	defaultAPIBase = "https://api.coingecko.com/api/v3"
	platform       = "base"
)

type Client struct {
	http    *httpx.Client
	apiBase string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, apiBase: defaultAPIBase, apiKey: apiKey}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "coingecko",
		Type:          "prices",
		RequiresKey:   false,
		Capabilities:  []string{"prices.tokens"},
		KeyEnvVarName: "WIZARD_COINGECKO_API_KEY",
	}
}

// TokenPrices fetches the USD price snapshot for the given Base contract
// addresses in a single request. Addresses unknown to the feed are simply
// absent from the result; the caller decides how to handle the gap.
func (c *Client) TokenPrices(ctx context.Context, addresses []string) (map[string]model.PriceInfo, error) {
	if len(addresses) == 0 {
		return map[string]model.PriceInfo{}, nil
	}

	params := url.Values{}
	params.Set("contract_addresses", strings.Join(addresses, ","))
	params.Set("vs_currencies", "usd")
	params.Set("include_market_cap", "true")
	params.Set("include_24hr_vol", "true")
	params.Set("include_24hr_change", "true")
	params.Set("include_last_updated_at", "true")

	reqURL := c.apiBase + "/simple/token_price/" + platform + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build price request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	var resp map[string]model.PriceInfo
	if _, err := c.http.DoJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]model.PriceInfo, len(resp))
	for addr, info := range resp {
		out[token.NormalizeAddress(addr)] = info
	}
	return out, nil
}
