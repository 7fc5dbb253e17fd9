package ledger

import (
	"fmt"
	"strings"
)

var currencySymbols = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
}

// FormatMinor renders an amount in minor units, e.g. 2400 usd -> "$24.00".
// Unknown currencies are rendered with their upper-cased code.
func FormatMinor(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	cur := strings.ToLower(currency)
	major, minor := amount/100, amount%100
	if sym, ok := currencySymbols[cur]; ok {
		return fmt.Sprintf("%s%s%d.%02d", sign, sym, major, minor)
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, major, minor, strings.ToUpper(cur))
}
