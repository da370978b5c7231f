package ledger

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/model"
	"github.com/skynetmoney/wizard/internal/token"
)

// PriceSnapshot maps normalized contract addresses to current market data.
// It is built fresh each cycle and passed by value so the engine stays a
// pure function of its inputs.
type PriceSnapshot map[string]model.PriceInfo

// Price returns the USD unit price for an address.
func (p PriceSnapshot) Price(address string) (float64, bool) {
	info, ok := p[token.NormalizeAddress(address)]
	if !ok || info.USD <= 0 {
		return 0, false
	}
	return info.USD, true
}

// Result is the outcome of one reconciliation pass. Warnings cover clamped
// or skipped legs that still let the batch proceed; Failed carries per-asset
// errors (a new buy with no usable price) that rejected only that asset.
type Result struct {
	Entries  []model.PortfolioEntry
	Applied  int
	Trades   []AppliedTrade
	Warnings []string
	Failed   []AssetError
}

// AppliedTrade describes one leg that actually moved capital, with the
// clamped amounts that were applied rather than the amounts requested.
type AppliedTrade struct {
	Asset   string
	Address string
	Action  model.InstructionAction
	Quote   float64
	Tokens  float64
	Price   float64
}

type AssetError struct {
	Subject string
	Err     error
}

// leg is one deduplicated side of trading interest in a single subject.
type leg struct {
	subject  string
	address  string
	resolved bool
	amount   float64 // USDC
	applied  bool
}

// Reconcile applies a batch of instructions to the portfolio using the
// price snapshot, yielding the updated row set. Both buy and sell amounts
// are USDC-denominated. The input slice is not mutated.
//
// Conservation rules: the quote row is only credited for sells that
// actually debited a position, and only debited for buys that actually
// sized one. Buys are sized against the capital on hand when the leg
// applies; a buy exceeding it is clamped to the remainder and warned,
// so no leg can mint tokens the quote row did not pay for.
func Reconcile(entries []model.PortfolioEntry, insts []model.Instruction, prices PriceSnapshot, book token.Book, now time.Time) (Result, error) {
	res := Result{Entries: append([]model.PortfolioEntry(nil), entries...)}

	buys, sells, err := partition(insts, book)
	if err != nil {
		return Result{}, err
	}
	if len(buys) == 0 && len(sells) == 0 {
		return res, nil
	}

	quoteIdx := -1
	for i, e := range res.Entries {
		if e.Asset == QuoteAsset {
			quoteIdx = i
			break
		}
	}
	if quoteIdx < 0 {
		return Result{}, clierr.New(clierr.CodeInternal, "portfolio is missing the quote asset row")
	}

	var totalBuy, totalSell float64
	quoteBal := res.Entries[quoteIdx].Value

	// spendable clamps a buy to the capital still on hand so a leg can
	// never mint tokens the quote row did not pay for.
	spendable := func(want float64, subject string) float64 {
		avail := math.Max(quoteBal+totalSell-totalBuy, 0)
		if want <= avail {
			return want
		}
		res.warnf("buy of %.2f USDC for %s exceeds available %.2f USDC; clamped", want, subject, avail)
		return avail
	}

	// Existing positions first: a leg that finds its row is consumed there.
	for i := range res.Entries {
		if i == quoteIdx {
			continue
		}
		row := &res.Entries[i]
		key := normalizeSubject(row.Asset)
		buyLeg, hasBuy := buys[key]
		sellLeg, hasSell := sells[key]
		if !hasBuy && !hasSell {
			continue
		}

		price, ok := prices.Price(row.Address)
		if !ok {
			// Price data may lag the ledger's asset list; the row stays
			// untouched and its legs die without moving capital.
			res.warnf("no current price for %s; instruction skipped", row.Asset)
			if hasBuy {
				buyLeg.applied = true
				buys[key] = buyLeg
			}
			if hasSell {
				sellLeg.applied = true
				sells[key] = sellLeg
			}
			continue
		}

		touched := false
		if hasBuy {
			buyLeg.applied = true
			buys[key] = buyLeg
			if spend := spendable(buyLeg.amount, row.Asset); spend > 0 {
				row.Value = price
				row.Amount += spend / price
				totalBuy += spend
				touched = true
				res.Applied++
				res.trade(row.Asset, row.Address, model.ActionBuy, spend, spend/price, price)
			}
		}
		if hasSell {
			row.Value = price
			proceeds := sellLeg.amount
			debit := sellLeg.amount / price
			if debit > row.Amount {
				// Oversell: liquidate what is held and credit only the
				// matching proceeds.
				proceeds = row.Amount * price
				res.warnf("sell of %.2f USDC exceeds %s holding; clamped to %.2f USDC", sellLeg.amount, row.Asset, proceeds)
				debit = row.Amount
			}
			row.Amount -= debit
			totalSell += proceeds
			sellLeg.applied = true
			sells[key] = sellLeg
			touched = true
			res.Applied++
			res.trade(row.Asset, row.Address, model.ActionSell, proceeds, debit, price)
		}
		if touched {
			row.Purchased = now.UnixMilli()
		}
	}

	// New positions for buys that matched no existing row.
	for _, key := range sortedKeys(buys) {
		l := buys[key]
		if l.applied {
			continue
		}
		if !l.resolved {
			res.fail(l.subject, clierr.New(clierr.CodeUnresolvedPrice, fmt.Sprintf("unknown token %q for new position", l.subject)))
			continue
		}
		price, ok := prices.Price(l.address)
		if !ok {
			res.fail(l.subject, clierr.New(clierr.CodeUnresolvedPrice, fmt.Sprintf("no current price for new position %q", l.subject)))
			continue
		}
		// The agent may name a held token differently from its ledger row;
		// join on address before inserting a duplicate position.
		spend := spendable(l.amount, l.subject)
		if spend <= 0 {
			continue
		}
		if idx := findByAddress(res.Entries, l.address); idx >= 0 {
			row := &res.Entries[idx]
			row.Value = price
			row.Amount += spend / price
			row.Purchased = now.UnixMilli()
			totalBuy += spend
			res.Applied++
			res.trade(row.Asset, row.Address, model.ActionBuy, spend, spend/price, price)
			continue
		}
		name := l.subject
		if registered, ok := book.NameFor(l.address); ok {
			name = registered
		}
		res.Entries = append(res.Entries, model.PortfolioEntry{
			Asset:     name,
			Address:   l.address,
			Value:     price,
			Amount:    spend / price,
			Purchased: now.UnixMilli(),
		})
		totalBuy += spend
		res.Applied++
		res.trade(name, l.address, model.ActionBuy, spend, spend/price, price)
	}

	// Sells that matched nothing credit nothing.
	for _, key := range sortedKeys(sells) {
		if l := sells[key]; !l.applied {
			res.warnf("sell for unheld asset %q ignored", l.subject)
		}
	}

	if totalBuy != 0 || totalSell != 0 {
		quote := &res.Entries[quoteIdx]
		balance := quote.Value + totalSell - totalBuy
		if balance < 0 {
			// Clamped spends keep buys within balance; anything left
			// here is float rounding dust.
			balance = 0
		}
		quote.Value = balance
		quote.Purchased = now.UnixMilli()
	}

	return res, nil
}

// partition dedupes the batch into one leg per subject per side, resolving
// subjects through the book and dropping zero-amount no-ops. The last
// instruction per subject per side wins. A non-numeric amount is a
// malformed instruction and fails the whole batch.
func partition(insts []model.Instruction, book token.Book) (buys, sells map[string]leg, err error) {
	buys = make(map[string]leg)
	sells = make(map[string]leg)
	for _, inst := range insts {
		amount, err := strconv.ParseFloat(inst.Amount, 64)
		if err != nil {
			return nil, nil, clierr.New(clierr.CodeParse, fmt.Sprintf("non-numeric amount %q for %s", inst.Amount, inst.Subject))
		}
		// ParseFloat accepts "NaN" and "Inf" spellings; neither is a
		// spendable amount and both poison every arithmetic downstream.
		if math.IsNaN(amount) || math.IsInf(amount, 0) {
			return nil, nil, clierr.New(clierr.CodeParse, fmt.Sprintf("non-finite amount %q for %s", inst.Amount, inst.Subject))
		}
		if amount < 0 {
			return nil, nil, clierr.New(clierr.CodeParse, fmt.Sprintf("negative amount %q for %s", inst.Amount, inst.Subject))
		}
		if amount == 0 {
			continue
		}
		addr, resolved := book.Resolve(inst.Subject)
		l := leg{subject: inst.Subject, address: addr, resolved: resolved, amount: amount}
		switch inst.Action {
		case model.ActionBuy:
			buys[normalizeSubject(inst.Subject)] = l
		case model.ActionSell:
			sells[normalizeSubject(inst.Subject)] = l
		default:
			return nil, nil, clierr.New(clierr.CodeParse, fmt.Sprintf("unknown action %q", inst.Action))
		}
	}
	return buys, sells, nil
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Result) trade(asset, address string, action model.InstructionAction, quote, tokens, price float64) {
	r.Trades = append(r.Trades, AppliedTrade{
		Asset:   asset,
		Address: address,
		Action:  action,
		Quote:   quote,
		Tokens:  tokens,
		Price:   price,
	})
}

func (r *Result) fail(subject string, err error) {
	r.Failed = append(r.Failed, AssetError{Subject: subject, Err: err})
}

func findByAddress(entries []model.PortfolioEntry, address string) int {
	norm := token.NormalizeAddress(address)
	for i, e := range entries {
		if e.Address != "" && token.NormalizeAddress(e.Address) == norm {
			return i
		}
	}
	return -1
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func sortedKeys(m map[string]leg) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
