// Package money provides shared fixed-point amount parsing and formatting.
//
// Platform amounts carry 2 decimal places and are stored as int64 in the
// smallest unit (1.00 = 100 minor units). Equality checks tolerate a
// one-cent rounding difference.
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Decimals is the number of fraction digits an amount carries.
const Decimals = 2

// Tolerance is the maximum minor-unit difference two amounts may have and
// still be considered equal (0.01).
const Tolerance = 1

// Amount is a monetary value in minor units (cents).
type Amount int64

// Parse converts a decimal string (e.g. "1.50") to its minor-unit
// representation (150). Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts beyond 2 digits are rejected
func Parse(s string) (Amount, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return Amount(n), true
}

// FromFloat converts a float major-unit value to an Amount, rounding to
// the nearest cent (round(amount*100)).
func FromFloat(f float64) Amount {
	return Amount(math.Round(f * 100))
}

// Float returns the amount as a float64 major-unit value.
func (a Amount) Float() float64 {
	return float64(a) / 100
}

// Minor returns the amount in the gateway's integer minor-unit form.
func (a Amount) Minor() int64 {
	return int64(a)
}

// String formats the amount as a decimal with exactly 2 fraction digits
// (e.g. "1.50").
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%02d", v/100, v%100)
	if neg {
		s = "-" + s
	}
	return s
}

// Equal reports whether two amounts are equal within Tolerance.
func Equal(a, b Amount) bool {
	d := int64(a) - int64(b)
	if d < 0 {
		d = -d
	}
	return d <= Tolerance
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string ("1.50") or a JSON
// number (1.5). Numbers are rounded to the nearest cent.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, ok := Parse(str)
		if !ok {
			return fmt.Errorf("invalid amount %q", str)
		}
		*a = v
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f < 0 {
		return fmt.Errorf("invalid amount %v: must not be negative", f)
	}
	*a = FromFloat(f)
	return nil
}
