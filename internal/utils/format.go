package utils

import (
	"github.com/shopspring/decimal"
)

// FormatQuantity truncates a quantity to precision decimals so an order never exceeds the intended size.
func FormatQuantity(quantity float64, precision int) string {
	return decimal.NewFromFloat(quantity).Truncate(int32(precision)).StringFixed(int32(precision))
}

// FormatPrice rounds a price half-away-from-zero to precision decimals.
func FormatPrice(price float64, precision int) string {
	return decimal.NewFromFloat(price).Round(int32(precision)).StringFixed(int32(precision))
}

// RoundPrice rounds a price to precision decimals and returns it as float.
func RoundPrice(price float64, precision int) float64 {
	f, _ := decimal.NewFromFloat(price).Round(int32(precision)).Float64()
	return f
}

// TruncateQuantity truncates a quantity to precision decimals and returns it as float.
func TruncateQuantity(quantity float64, precision int) float64 {
	f, _ := decimal.NewFromFloat(quantity).Truncate(int32(precision)).Float64()
	return f
}

// QuoteToQuantity converts a quote-currency amount into a base quantity at price.
func QuoteToQuantity(amount, price float64, precision int) float64 {
	if price <= 0 {
		return 0
	}
	q, _ := decimal.NewFromFloat(amount).
		DivRound(decimal.NewFromFloat(price), int32(precision)+4).
		Truncate(int32(precision)).
		Float64()
	return q
}
