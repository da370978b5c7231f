package instruction

import (
	"testing"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/model"
)

func TestParseLines(t *testing.T) {
	cases := []struct {
		line    string
		subject string
		action  model.InstructionAction
		amount  string
		unit    string
	}{
		{"PEPE buy 12.5 USDC", "PEPE", model.ActionBuy, "12.5", "USDC"},
		{"Some Token sell 3", "Some Token", model.ActionSell, "3", ""},
		{"Brett  buy  100", "Brett", model.ActionBuy, "100", ""},
		{"buy 50", "", model.ActionBuy, "50", ""},
	}
	for _, tc := range cases {
		inst, err := Parse(tc.line)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tc.line, err)
		}
		if inst.Subject != tc.subject || inst.Action != tc.action || inst.Amount != tc.amount || inst.Unit != tc.unit {
			t.Fatalf("Parse(%q) = %+v", tc.line, inst)
		}
	}
}

func TestParseFirstActionWordWins(t *testing.T) {
	inst, err := Parse("sellout token sell 5")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if inst.Subject != "sellout token" || inst.Action != model.ActionSell || inst.Amount != "5" {
		t.Fatalf("expected standalone word match, got %+v", inst)
	}
}

func TestParseRejectsLineWithoutAction(t *testing.T) {
	_, err := Parse("holding everything for now")
	if !clierr.Is(err, clierr.CodeParse) {
		t.Fatalf("expected CodeParse, got %v", err)
	}
}

func TestParseReplyRefrainingIsExactAndUntrimmed(t *testing.T) {
	_, refraining, err := ParseReply("refraining")
	if err != nil || !refraining {
		t.Fatalf("expected refraining, got %v err=%v", refraining, err)
	}

	// Padding or extra content must not trigger the sentinel.
	_, refraining, err = ParseReply(" refraining ")
	if refraining {
		t.Fatal("padded reply must not count as refraining")
	}
	if err == nil {
		t.Fatal("expected parse error for non-instruction line")
	}
}

func TestParseReplySplitsLinesAndFailsWholeBatch(t *testing.T) {
	insts, refraining, err := ParseReply("PEPE buy 10 USDC\n\nBrett sell 5 USDC\n")
	if err != nil || refraining {
		t.Fatalf("ParseReply failed: %v", err)
	}
	if len(insts) != 2 || insts[0].Subject != "PEPE" || insts[1].Action != model.ActionSell {
		t.Fatalf("unexpected instructions: %+v", insts)
	}

	if _, _, err := ParseReply("PEPE buy 10\nnothing to do here"); err == nil {
		t.Fatal("expected whole-batch failure on one malformed line")
	}
}
