package exchange

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// RoundSize floors a size to the asset's declared decimal count.
// Flooring (not rounding to nearest) keeps the submitted size within what the
// caller asked for; the exchange rejects sizes with excess precision outright.
func RoundSize(size float64, szDecimals int) float64 {
	f, _ := decimal.NewFromFloat(size).Truncate(int32(szDecimals)).Float64()
	return f
}

// RoundPrice rounds a price to 5 significant digits, the exchange's limit for
// price precision.
func RoundPrice(px float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(px, 'g', 5, 64), 64)
	return v
}

// SizeToWire formats a floored size for the wire: plain decimal notation,
// no exponent, no trailing zeros.
func SizeToWire(size float64, szDecimals int) string {
	return decimal.NewFromFloat(size).Truncate(int32(szDecimals)).String()
}

// PriceToWire formats a price for the wire after 5-significant-digit rounding.
func PriceToWire(px float64) string {
	return decimal.NewFromFloat(RoundPrice(px)).String()
}
