package policy

import (
	"fmt"
	"strconv"
	"strings"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/model"
)

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		if normalize(allowed) == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// ExposureWarnings flags buys that put more than maxFraction of the quote
// balance into a single token. The model is asked to stay under the cap
// but its arithmetic is not trusted; these are advisory, the ledger still
// enforces hard conservation.
func ExposureWarnings(insts []model.Instruction, quoteBalance, maxFraction float64) []string {
	if quoteBalance <= 0 || maxFraction <= 0 {
		return nil
	}
	limit := quoteBalance * maxFraction
	var warnings []string
	for _, inst := range insts {
		if inst.Action != model.ActionBuy {
			continue
		}
		amount, err := strconv.ParseFloat(inst.Amount, 64)
		if err != nil || amount <= limit {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("buy of %s for %s exceeds %.0f%% exposure cap", inst.Subject, inst.Amount, maxFraction*100))
	}
	return warnings
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
