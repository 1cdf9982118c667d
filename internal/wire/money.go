// Package wire implements the datagram and stream text protocols spoken
// between peers and the coordinator.
package wire

import (
	"fmt"
	"math"
	"strconv"
)

// ParseMoney parses a decimal amount (e.g. "18", "12.50") into cents.
// Negative amounts are rejected; every monetary value on the wire is a
// price or a price sum, neither of which is ever negative.
func ParseMoney(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid money %q: %w", s, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative money %q", s)
	}
	return int64(math.Round(f * 100)), nil
}

// FormatMoney renders cents back to the wire's decimal form. Whole-dollar
// amounts are rendered without a fractional part (e.g. "18" rather than
// "18.00"), matching the plain integers peers send on the wire.
func FormatMoney(cents int64) string {
	whole := cents / 100
	frac := cents % 100
	if frac < 0 {
		frac = -frac
	}
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	return fmt.Sprintf("%d.%02d", whole, frac)
}
