package pipeline

import (
	"math"
	"strings"

	"figwatch/internal/scraper"
)

// exchangeRates converts a listing currency to USD: priceUSD = price * rate.
// Rates are fixed; live FX feeds are out of scope for daily statistics.
var exchangeRates = map[string]float64{
	"USD": 1.00,
	"EUR": 1.08,
	"GBP": 1.26,
	"CAD": 0.74,
	"AUD": 0.66,
}

// rateFor returns the USD conversion rate for a currency code. Currencies
// outside the table pass through at parity; the original currency and rate
// stay on the row so the conversion can be audited.
func rateFor(currency string) float64 {
	if rate, ok := exchangeRates[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return rate
	}
	return 1.00
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// normalizeCondition maps source wording onto the snapshot vocabulary.
func normalizeCondition(raw string) string {
	return string(scraper.ParseCondition(raw))
}
