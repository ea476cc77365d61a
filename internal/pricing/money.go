// Package pricing holds the order cost-distribution and refund
// settlement arithmetic. Everything here is pure: no I/O, no clocks
// beyond what callers pass in.
package pricing

import "math"

// Round2 rounds to two decimal places with a small epsilon correction
// so binary float representation error (e.g. 2.675 stored as 2.6749…)
// does not round down a value that is exactly on a half cent. It is the
// sole arithmetic boundary for money in this package: every monetary
// value is passed through it before being stored or compared.
func Round2(v float64) float64 {
	if v < 0 {
		return -Round2(-v)
	}
	return math.Round((v+1e-9)*100) / 100
}

// Cents returns the value as an integer number of cents, for exact
// comparisons after Round2.
func Cents(v float64) int64 {
	return int64(math.Round(v * 100))
}
