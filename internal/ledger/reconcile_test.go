package ledger

import (
	"math"
	"testing"
	"time"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/model"
	"github.com/skynetmoney/wizard/internal/token"
)

const (
	pepeAddr  = "0x52b492a33e447cdb854c7fc19f1e57e8bfa1777d"
	brettAddr = "0x532f27101965dd16442e59d40670faf5ebb142e4"
)

func testBook(t *testing.T) token.Book {
	t.Helper()
	reg, err := token.New([]model.Token{
		{Name: "Pepe", Symbol: "PEPE", Address: pepeAddr},
		{Name: "Brett", Symbol: "BRETT", Address: brettAddr},
	})
	if err != nil {
		t.Fatalf("token.New failed: %v", err)
	}
	return reg.Book()
}

func testPortfolio() []model.PortfolioEntry {
	return []model.PortfolioEntry{
		{Asset: QuoteAsset, Value: 1000, Amount: 1, Purchased: 1},
		{Asset: "Pepe", Address: pepeAddr, Value: 0.5, Amount: 100, Purchased: 1},
	}
}

func totalValue(entries []model.PortfolioEntry) float64 {
	var sum float64
	for _, e := range entries {
		sum += e.Amount * e.Value
	}
	return sum
}

func buy(subject, amount string) model.Instruction {
	return model.Instruction{Subject: subject, Action: model.ActionBuy, Amount: amount}
}

func sell(subject, amount string) model.Instruction {
	return model.Instruction{Subject: subject, Action: model.ActionSell, Amount: amount}
}

func TestReconcileEmptyBatchIsIdentity(t *testing.T) {
	before := testPortfolio()
	res, err := Reconcile(before, nil, PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(999))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Entries) != len(before) {
		t.Fatalf("row count changed: %d", len(res.Entries))
	}
	for i := range before {
		if res.Entries[i] != before[i] {
			t.Fatalf("row %d mutated: %+v != %+v", i, res.Entries[i], before[i])
		}
	}
	if res.Applied != 0 || len(res.Warnings) != 0 {
		t.Fatalf("expected no-op result, got %+v", res)
	}
}

func TestReconcileBuyExistingPosition(t *testing.T) {
	now := time.UnixMilli(5000)
	res, err := Reconcile(testPortfolio(), []model.Instruction{buy("Pepe", "50")},
		PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), now)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	pepe := res.Entries[1]
	if pepe.Value != 2 {
		t.Fatalf("expected price re-stamp to 2, got %f", pepe.Value)
	}
	if pepe.Amount != 100+50.0/2 {
		t.Fatalf("expected amount 125, got %f", pepe.Amount)
	}
	if pepe.Purchased != now.UnixMilli() {
		t.Fatalf("expected purchased re-stamp, got %d", pepe.Purchased)
	}
	if res.Entries[0].Value != 950 {
		t.Fatalf("expected quote balance 950, got %f", res.Entries[0].Value)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected one applied trade, got %+v", res.Trades)
	}
	if tr := res.Trades[0]; tr.Action != model.ActionBuy || tr.Quote != 50 || tr.Tokens != 25 {
		t.Fatalf("unexpected trade record: %+v", tr)
	}
}

func TestReconcileNewAssetInsertion(t *testing.T) {
	res, err := Reconcile(testPortfolio(), []model.Instruction{buy("Brett", "40")},
		PriceSnapshot{brettAddr: {USD: 0.08}}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected new row, got %d rows", len(res.Entries))
	}
	row := res.Entries[2]
	if row.Asset != "Brett" || row.Address != brettAddr {
		t.Fatalf("unexpected new row: %+v", row)
	}
	if row.Value != 0.08 || math.Abs(row.Amount-40/0.08) > 1e-9 {
		t.Fatalf("expected amount A/P, got %+v", row)
	}
}

func TestReconcileNewBuyWithoutPriceFailsThatAssetOnly(t *testing.T) {
	res, err := Reconcile(testPortfolio(),
		[]model.Instruction{buy("Brett", "40"), buy("Pepe", "10")},
		PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Subject != "Brett" {
		t.Fatalf("expected Brett to fail, got %+v", res.Failed)
	}
	if !clierr.Is(res.Failed[0].Err, clierr.CodeUnresolvedPrice) {
		t.Fatalf("expected CodeUnresolvedPrice, got %v", res.Failed[0].Err)
	}
	if len(res.Entries) != 2 {
		t.Fatal("failed buy must not insert a row")
	}
	// The valid Pepe buy still applied.
	if res.Entries[1].Amount != 105 || res.Entries[0].Value != 990 {
		t.Fatalf("expected partial application, got %+v", res.Entries)
	}
}

func TestReconcileUnknownSubjectBuyFails(t *testing.T) {
	res, err := Reconcile(testPortfolio(), []model.Instruction{buy("Mystery Coin", "40")},
		PriceSnapshot{}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Failed) != 1 || !clierr.Is(res.Failed[0].Err, clierr.CodeUnresolvedPrice) {
		t.Fatalf("expected unresolved failure, got %+v", res.Failed)
	}
	if res.Entries[0].Value != 1000 {
		t.Fatal("failed buy must not move capital")
	}
}

func TestReconcileSellConservation(t *testing.T) {
	prices := PriceSnapshot{pepeAddr: {USD: 2}}
	before := testPortfolio()
	res, err := Reconcile(before, []model.Instruction{sell("Pepe", "60")}, prices, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	quote := res.Entries[0]
	pepe := res.Entries[1]
	if quote.Value != 1060 {
		t.Fatalf("expected proceeds credited, balance %f", quote.Value)
	}
	if math.Abs(pepe.Amount-(100-60.0/2)) > 1e-9 {
		t.Fatalf("expected token debit 30, got %f", pepe.Amount)
	}
	// Position value change equals proceeds at the re-stamped price.
	wantTotal := quote.Value + pepe.Amount*pepe.Value
	if math.Abs(totalValue(res.Entries)-wantTotal) > 1e-9 {
		t.Fatalf("conservation violated: %f != %f", totalValue(res.Entries), wantTotal)
	}
}

func TestReconcileOversellClampsToZero(t *testing.T) {
	prices := PriceSnapshot{pepeAddr: {USD: 2}}
	res, err := Reconcile(testPortfolio(), []model.Instruction{sell("Pepe", "500")}, prices, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	pepe := res.Entries[1]
	if pepe.Amount != 0 {
		t.Fatalf("expected clamp to zero, got %f", pepe.Amount)
	}
	// Only the real liquidation proceeds (100 tokens * 2 USDC) credit.
	if res.Entries[0].Value != 1200 {
		t.Fatalf("expected balance 1200, got %f", res.Entries[0].Value)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("clamping must never be silent")
	}
}

func TestReconcileOverbuyClampsSpendToBalance(t *testing.T) {
	res, err := Reconcile(testPortfolio(), []model.Instruction{buy("Pepe", "5000")},
		PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Entries[0].Value != 0 {
		t.Fatalf("expected quote balance spent to zero, got %f", res.Entries[0].Value)
	}
	// Only the 1000 USDC on hand buys tokens, not the 5000 requested.
	if got := res.Entries[1].Amount; math.Abs(got-(100+1000.0/2)) > 1e-9 {
		t.Fatalf("expected tokens for the clamped spend only, got %f", got)
	}
	if len(res.Trades) != 1 || res.Trades[0].Quote != 1000 {
		t.Fatalf("expected trade record for the clamped spend, got %+v", res.Trades)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("spend clamping must never be silent")
	}
}

func TestReconcileBuyWithNoCapitalLeavesPositionAlone(t *testing.T) {
	entries := []model.PortfolioEntry{
		{Asset: QuoteAsset, Value: 0, Amount: 1, Purchased: 1},
		{Asset: "Pepe", Address: pepeAddr, Value: 0.5, Amount: 100, Purchased: 1},
	}
	res, err := Reconcile(entries, []model.Instruction{buy("Pepe", "50")},
		PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Entries[1].Amount != 100 || res.Applied != 0 {
		t.Fatalf("unfunded buy must not size a position: %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected unfunded buy warning")
	}
}

func TestReconcileLastInstructionPerSideWins(t *testing.T) {
	res, err := Reconcile(testPortfolio(),
		[]model.Instruction{buy("Pepe", "10"), buy("Pepe", "30")},
		PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Entries[1].Amount != 100+30.0/2 {
		t.Fatalf("expected only last buy applied, got %f", res.Entries[1].Amount)
	}
	if res.Entries[0].Value != 970 {
		t.Fatalf("expected single debit, balance %f", res.Entries[0].Value)
	}
}

func TestReconcileZeroAmountIsFilteredAndRowWithoutPriceSkipped(t *testing.T) {
	res, err := Reconcile(testPortfolio(),
		[]model.Instruction{buy("Pepe", "0"), sell("Pepe", "0")},
		PriceSnapshot{}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 0 || res.Entries[1].Purchased != 1 {
		t.Fatalf("zero-amount instructions must be no-ops: %+v", res)
	}

	// A live instruction against a row with no price leaves the row alone.
	res, err = Reconcile(testPortfolio(), []model.Instruction{sell("Pepe", "10")},
		PriceSnapshot{}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Entries[1].Amount != 100 || res.Entries[0].Value != 1000 {
		t.Fatalf("priceless row must stay untouched: %+v", res.Entries)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected skip warning")
	}
}

func TestReconcileSellOfUnheldAssetCreditsNothing(t *testing.T) {
	res, err := Reconcile(testPortfolio(), []model.Instruction{sell("Brett", "25")},
		PriceSnapshot{brettAddr: {USD: 1}}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Entries[0].Value != 1000 {
		t.Fatalf("orphan sell fabricated balance: %f", res.Entries[0].Value)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected orphan sell warning")
	}
}

func TestReconcileNonNumericAmountFailsBatch(t *testing.T) {
	_, err := Reconcile(testPortfolio(), []model.Instruction{buy("Pepe", "lots")},
		PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(7))
	if !clierr.Is(err, clierr.CodeParse) {
		t.Fatalf("expected CodeParse, got %v", err)
	}
}

func TestReconcileNonFiniteAmountFailsBatch(t *testing.T) {
	// ParseFloat happily reads these, so they must be rejected before
	// they poison position sizes and the quote balance.
	for _, amount := range []string{"NaN", "Inf", "-Inf", "+Inf"} {
		res, err := Reconcile(testPortfolio(), []model.Instruction{buy("Pepe", amount)},
			PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(7))
		if !clierr.Is(err, clierr.CodeParse) {
			t.Fatalf("amount %q: expected CodeParse, got %v", amount, err)
		}
		if len(res.Entries) != 0 {
			t.Fatalf("amount %q: failed batch must not yield entries", amount)
		}
	}
}

func TestReconcileBuyByAlternateNameJoinsOnAddress(t *testing.T) {
	entries := []model.PortfolioEntry{
		{Asset: QuoteAsset, Value: 1000, Amount: 1, Purchased: 1},
		{Asset: "PEPE (legacy row)", Address: pepeAddr, Value: 0.5, Amount: 10, Purchased: 1},
	}
	res, err := Reconcile(entries, []model.Instruction{buy("Pepe", "20")},
		PriceSnapshot{pepeAddr: {USD: 2}}, testBook(t), time.UnixMilli(7))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected address join, got %d rows", len(res.Entries))
	}
	if res.Entries[1].Amount != 10+20.0/2 {
		t.Fatalf("expected merged buy, got %f", res.Entries[1].Amount)
	}
}
