package discount

import "github.com/shopspring/decimal"

// NextPercentage computes the percentage a discount moves to on its next
// progression: min(current+increment, ceiling). Non-positive increments and
// schedules already at the ceiling yield the current value unchanged, which
// callers interpret as "nothing to apply" rather than an error.
func NextPercentage(current, increment, ceiling decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return current
	}
	if current.GreaterThanOrEqual(ceiling) {
		return current
	}
	return decimal.Min(current.Add(increment), ceiling)
}
