package coinranking

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/httpx"
	"github.com/skynetmoney/wizard/internal/model"
	"github.com/skynetmoney/wizard/internal/token"
)

const (
	defaultAPIBase = "https://api.coinranking.com/v2"

	// Coinranking's fixed UUID for Wrapped Ether.
	wethUUID = "Mtfb0obXVh59u"
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
		Name:          "coinranking",
		Type:          "discovery",
		RequiresKey:   true,
		Capabilities:  []string{"tokens.top", "prices.weth"},
		KeyEnvVarName: "WIZARD_COINRANKING_API_KEY",
	}
}

type coinsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Coins []struct {
			Name              string   `json:"name"`
			Symbol            string   `json:"symbol"`
			ContractAddresses []string `json:"contractAddresses"`
		} `json:"coins"`
	} `json:"data"`
}

type priceResponse struct {
	Status string `json:"status"`
	Data   struct {
		Price string `json:"price"`
	} `json:"data"`
}

// TopMemecoins lists the highest-ranked meme tokens on Base over the last
// hour. Entries without a Base contract address are dropped since nothing
// downstream can price or trade them.
func (c *Client) TopMemecoins(ctx context.Context, limit int) ([]model.Token, error) {
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{}
	params.Set("timePeriod", "1h")
	params.Add("blockchains[]", "base")
	params.Add("tags[]", "meme")
	params.Set("limit", strconv.Itoa(limit))

	var resp coinsResponse
	if err := c.get(ctx, "/coins?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, clierr.New(clierr.CodeUnavailable, "discovery feed returned status "+resp.Status)
	}

	tokens := make([]model.Token, 0, len(resp.Data.Coins))
	for _, coin := range resp.Data.Coins {
		addr := baseAddress(coin.ContractAddresses)
		if addr == "" {
			continue
		}
		tokens = append(tokens, model.Token{
			Name:    coin.Name,
			Symbol:  coin.Symbol,
			Address: token.NormalizeAddress(addr),
		})
	}
	return tokens, nil
}

// WrappedNativePrice returns the current WETH price in USD.
func (c *Client) WrappedNativePrice(ctx context.Context) (float64, error) {
	var resp priceResponse
	if err := c.get(ctx, "/coin/"+wethUUID+"/price", &resp); err != nil {
		return 0, err
	}
	if resp.Status != "success" {
		return 0, clierr.New(clierr.CodeUnavailable, "price feed returned status "+resp.Status)
	}
	price, err := strconv.ParseFloat(resp.Data.Price, 64)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "parse wrapped native price", err)
	}
	return price, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build discovery request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-access-token", c.apiKey)
	}
	_, err = c.http.DoJSON(ctx, req, out)
	return err
}

// baseAddress picks the Base entry out of Coinranking's "chain/address"
// contract list.
func baseAddress(addresses []string) string {
	for _, entry := range addresses {
		const prefix = "base/"
		if len(entry) > len(prefix) && entry[:len(prefix)] == prefix {
			return entry[len(prefix):]
		}
	}
	return ""
}
