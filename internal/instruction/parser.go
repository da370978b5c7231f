// Package instruction turns agent reply lines into structured trade
// instructions. The reply grammar is one instruction per line,
// `<token name> <buy|sell> <amount> [<unit>]`, or the single whole-reply
// word `refraining` when the agent sits the cycle out.
package instruction

import (
	"fmt"
	"strings"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/model"
)

// Refraining is the sentinel whole-reply value meaning "no trades this cycle".
const Refraining = "refraining"

// IsRefraining checks the raw, untrimmed reply against the sentinel. The
// check runs before any line splitting so that a reply which merely contains
// the word does not suppress real instructions.
func IsRefraining(reply string) bool {
	return reply == Refraining
}

// Parse extracts one instruction from a single reply line. The first
// whitespace-delimited occurrence of the literal word `buy` or `sell` is the
// action; everything before it, re-joined with single spaces, is the subject;
// the next word is the amount and an optional trailing word names the unit.
//
// Parse does not validate that the amount is numeric or that the subject
// resolves to a known token; both checks belong to the reconciliation
// engine. A line with no action word fails with CodeParse.
func Parse(line string) (model.Instruction, error) {
	words := strings.Fields(line)

	verbAt := -1
	var action model.InstructionAction
	for i, w := range words {
		switch w {
		case string(model.ActionBuy):
			verbAt, action = i, model.ActionBuy
		case string(model.ActionSell):
			verbAt, action = i, model.ActionSell
		}
		if verbAt >= 0 {
			break
		}
	}
	if verbAt < 0 {
		return model.Instruction{}, clierr.New(clierr.CodeParse, fmt.Sprintf("no buy/sell action in line %q", line))
	}

	inst := model.Instruction{
		Subject: strings.Join(words[:verbAt], " "),
		Action:  action,
	}
	if verbAt+1 < len(words) {
		inst.Amount = words[verbAt+1]
	}
	if verbAt+2 < len(words) {
		inst.Unit = words[verbAt+2]
	}
	return inst, nil
}

// ParseReply parses a full agent reply. It returns refraining=true for the
// sentinel reply, otherwise one instruction per non-blank line. Any
// malformed line fails the whole reply; the caller must not apply a
// partially parsed batch.
func ParseReply(reply string) (insts []model.Instruction, refraining bool, err error) {
	if IsRefraining(reply) {
		return nil, true, nil
	}
	for _, line := range strings.Split(reply, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		inst, err := Parse(line)
		if err != nil {
			return nil, false, err
		}
		insts = append(insts, inst)
	}
	return insts, false, nil
}
