// Package amount converts user-facing decimal currency amounts to and from
// the fixed-point integer token units used on-chain. The deposit token uses
// 6 decimals (USDC convention), so 1.00 becomes 1_000_000 units.
package amount

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// TokenDecimals is the number of decimal places of the deposit token.
const TokenDecimals = 6

// unitsPerWhole is 10^TokenDecimals.
const unitsPerWhole = 1_000_000

// ErrInvalidAmount indicates the input does not parse as a non-negative
// decimal amount with at most six fractional digits.
var ErrInvalidAmount = errors.New("invalid amount")

// decimalRe matches the accepted decimal string format: digits, optionally
// followed by a dot and one to six fractional digits.
var decimalRe = regexp.MustCompile(`^\d+(\.\d{1,6})?$`)

// ParseToUnits converts a decimal amount string (e.g. "125.00") into integer
// token units. The string must match the 6-decimal format exactly; anything
// else fails with ErrInvalidAmount.
func ParseToUnits(s string) (uint64, error) {
	if !decimalRe.MatchString(s) {
		return 0, fmt.Errorf("%w: %q must match digits with up to %d decimal places", ErrInvalidAmount, s, TokenDecimals)
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole = s[:i]
		frac = s[i+1:]
	}

	wholeVal, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}

	// Right-pad the fractional part to exactly TokenDecimals digits.
	frac = frac + strings.Repeat("0", TokenDecimals-len(frac))
	fracVal, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}

	if wholeVal > (math.MaxUint64-fracVal)/unitsPerWhole {
		return 0, fmt.Errorf("%w: %q exceeds the representable range", ErrInvalidAmount, s)
	}

	return wholeVal*unitsPerWhole + fracVal, nil
}

// ParseFloatToUnits converts a numeric amount into integer token units,
// rounding to the nearest unit. Negative and non-finite values are rejected.
func ParseFloatToUnits(f float64) (uint64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, f)
	}
	scaled := math.Round(f * unitsPerWhole)
	// float64(MaxUint64) rounds up to 2^64, so equality already overflows
	// the uint64 conversion.
	if scaled >= math.MaxUint64 {
		return 0, fmt.Errorf("%w: %v exceeds the representable range", ErrInvalidAmount, f)
	}
	return uint64(scaled), nil
}

// FormatUnits renders integer token units as a decimal string with a
// zero-padded 6-digit fractional part, e.g. 125000000 -> "125.000000".
func FormatUnits(units uint64) string {
	return fmt.Sprintf("%d.%06d", units/unitsPerWhole, units%unitsPerWhole)
}

// ToUSDString canonicalizes a decimal amount string to exactly two decimal
// places for display and storage. The canonical form is independent of the
// 6-decimal on-chain scale: sub-cent precision is truncated.
func ToUSDString(s string) (string, error) {
	units, err := ParseToUnits(s)
	if err != nil {
		return "", err
	}
	cents := units / (unitsPerWhole / 100)
	return fmt.Sprintf("%d.%02d", cents/100, cents%100), nil
}
