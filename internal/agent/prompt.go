package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skynetmoney/wizard/internal/instruction"
	"github.com/skynetmoney/wizard/internal/model"
)

const systemPrompt = "You are an expert technical analyst trading memecoins on Base. " +
	"You reply only in the exact instruction format you are given, with no commentary."

// TradingPrompt renders the portfolio and the latest market snapshot into
// the prompt that asks the model for this cycle's instructions. The reply
// grammar it demands is the one the instruction parser accepts.
func TradingPrompt(entries []model.PortfolioEntry, tokens []model.Token, prices map[string]model.PriceInfo, quoteAsset string) Prompt {
	var b strings.Builder

	b.WriteString("Your portfolio consists of the following elements:\n")
	for _, entry := range entries {
		if strings.EqualFold(entry.Asset, quoteAsset) {
			fmt.Fprintf(&b, "%s %s.\n", formatAmount(entry.Value), quoteAsset)
			continue
		}
		fmt.Fprintf(&b, "%s of %s bought at the price level of %s %s.\n",
			formatAmount(entry.Amount), entry.Asset, formatAmount(entry.Value), quoteAsset)
	}

	b.WriteString("\nHere are the latest price updates for the biggest memecoins on Base:\n")
	for _, tok := range tokens {
		info, ok := prices[tok.Address]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "name: %s, contractAddress: %s, price: %s USD, market cap: %s USD, 24h volume: %s, 24h change: %s %%\n",
			tok.Name, tok.Address,
			formatAmount(info.USD), formatAmount(info.MarketCapUSD),
			formatAmount(info.Volume24hUSD), formatAmount(info.Change24hPct))
	}

	b.WriteString("\nAnalyze the price updates and your current portfolio composition and decide if any of the tokens are worth buying or selling. ")
	b.WriteString("Consider all provided metrics, including the price, the 24h price change, the market cap, and the 24h volume. ")
	b.WriteString("You can buy any number of the tokens, sell any number of the tokens, or refrain from trading. ")
	b.WriteString("Stay within the limits of your overall capital, never invest everything into a single token, and put at most 5% of your capital into any single token. ")
	b.WriteString("Be precise in your calculations: when you sell, the held amount must never go below zero.\n")
	fmt.Fprintf(&b, "Answer with one instruction per line, nothing else.\n")
	fmt.Fprintf(&b, "For each buy: <token name> buy <amount in %s>\n", quoteAsset)
	fmt.Fprintf(&b, "For each sell: <token name> sell <amount in %s>\n", quoteAsset)
	fmt.Fprintf(&b, "If you are not trading anything, reply with a single word only: %s", instruction.Refraining)

	return Prompt{System: systemPrompt, User: b.String()}
}

// ChatPrompt wraps a free-form user message in the trading persona, for
// the interactive chat mode.
func ChatPrompt(user string) Prompt {
	return Prompt{System: systemPrompt, User: user}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
