package billing

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.AmericanEnglish)

// FormatAmount renders an amount in minor units, e.g. 1250 usd as "$ 12.50".
// Unknown currencies fall back to the plain number and code.
func FormatAmount(minor int64, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return fmt.Sprintf("%d %s", minor, strings.ToUpper(code))
	}

	scale, _ := currency.Standard.Rounding(unit)
	major := float64(minor) / math.Pow10(scale)
	return printer.Sprint(currency.Symbol(unit.Amount(major)))
}
