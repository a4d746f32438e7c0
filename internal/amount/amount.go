// Package amount models token quantities exactly. Human-facing amounts are
// Decimals; amounts on the wire are Units of the token's smallest
// denomination. Conversions between the two never round.
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxDigits bounds the number of significant digits a Decimal may carry so
// every value fits a 256-bit unsigned integer.
const MaxDigits = 77

var (
	// ErrInvalid reports text that is not a plain non-negative decimal.
	ErrInvalid = errors.New("amount: invalid decimal")
	// ErrNegative reports a negative decimal.
	ErrNegative = errors.New("amount: negative decimal")
	// ErrTooLarge reports a value outside the 256-bit range.
	ErrTooLarge = errors.New("amount: value too large")
	// ErrPrecision reports more decimal places than the token supports.
	ErrPrecision = errors.New("amount: precision exceeds token decimals")
)

var pow10 [MaxDigits + 1]uint256.Int

func init() {
	ten := uint256.NewInt(10)
	pow10[0].SetOne()
	for i := 1; i <= MaxDigits; i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Decimal is a non-negative exact decimal: unscaled / 10^scale. The zero
// value is 0. Decimals are normalized so scale equals the number of
// significant decimal places.
type Decimal struct {
	unscaled uint256.Int
	scale    uint8
}

// ParseDecimal parses plain decimal notation such as "12", "0.5" or "+3.25".
// Exponents, signs other than a leading '+', and NaN/Inf are rejected.
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "-") {
		return Decimal{}, ErrNegative
	}
	if s == "" || s == "." {
		return Decimal{}, ErrInvalid
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(frac, ".") {
		return Decimal{}, ErrInvalid
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return Decimal{}, ErrInvalid
	}
	frac = strings.TrimRight(frac, "0")
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return Decimal{}, nil
	}
	if len(digits) > MaxDigits || len(frac) > MaxDigits {
		return Decimal{}, ErrTooLarge
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	return Decimal{unscaled: *v, scale: uint8(len(frac))}, nil
}

// MustParseDecimal is ParseDecimal for constants; it panics on error.
func MustParseDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Places reports the number of significant decimal places.
func (d Decimal) Places() int { return int(d.scale) }

// IsZero reports whether d equals zero.
func (d Decimal) IsZero() bool { return d.unscaled.IsZero() }

// Cmp compares d and o, returning -1, 0 or +1.
func (d Decimal) Cmp(o Decimal) int {
	dw, df, _ := strings.Cut(d.String(), ".")
	ow, of, _ := strings.Cut(o.String(), ".")
	if len(dw) != len(ow) {
		if len(dw) < len(ow) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(dw, ow); c != 0 {
		return c
	}
	return strings.Compare(df, of)
}

func (d Decimal) rescale(scale uint8) (*uint256.Int, bool) {
	if scale < d.scale {
		return nil, false
	}
	out, overflow := new(uint256.Int).MulOverflow(&d.unscaled, &pow10[scale-d.scale])
	return out, !overflow
}

// String renders d in plain decimal notation without trailing zeros.
func (d Decimal) String() string {
	digits := d.unscaled.Dec()
	if d.scale == 0 {
		return digits
	}
	scale := int(d.scale)
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	cut := len(digits) - scale
	return digits[:cut] + "." + digits[cut:]
}

// MarshalText implements encoding.TextMarshaler.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decimal) UnmarshalText(text []byte) error {
	parsed, err := ParseDecimal(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ToUnits converts d to the smallest denomination of a token with the given
// number of decimals. It fails rather than rounding.
func (d Decimal) ToUnits(decimals uint8) (Units, error) {
	if int(decimals) > MaxDigits {
		return Units{}, fmt.Errorf("%w: %d decimals", ErrTooLarge, decimals)
	}
	if d.scale > decimals {
		return Units{}, fmt.Errorf("%w: %d places > %d", ErrPrecision, d.scale, decimals)
	}
	v, ok := d.rescale(decimals)
	if !ok {
		return Units{}, ErrTooLarge
	}
	return Units{v: *v}, nil
}

// FromUnits converts a smallest-denomination amount to a Decimal.
func FromUnits(u Units, decimals uint8) Decimal {
	if int(decimals) > MaxDigits {
		decimals = MaxDigits
	}
	q, r := new(uint256.Int), new(uint256.Int)
	unscaled := u.v
	scale := decimals
	for scale > 0 {
		q.DivMod(&unscaled, &pow10[1], r)
		if !r.IsZero() {
			break
		}
		unscaled.Set(q)
		scale--
	}
	if unscaled.IsZero() {
		scale = 0
	}
	return Decimal{unscaled: unscaled, scale: scale}
}

// Units is a token quantity in its smallest denomination.
type Units struct {
	v uint256.Int
}

// NewUnits wraps a uint64 quantity.
func NewUnits(n uint64) Units {
	var u Units
	u.v.SetUint64(n)
	return u
}

// ParseUnits parses a base-10 integer quantity.
func ParseUnits(s string) (Units, error) {
	s = strings.TrimSpace(s)
	if s == "" || !digitsOnly(s) {
		return Units{}, ErrInvalid
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Units{}, fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	return Units{v: *v}, nil
}

// Add returns u+o and reports whether the sum overflowed.
func (u Units) Add(o Units) (Units, bool) {
	var out Units
	_, overflow := out.v.AddOverflow(&u.v, &o.v)
	return out, overflow
}

// Sub returns u-o, floored at zero.
func (u Units) Sub(o Units) Units {
	if u.v.Lt(&o.v) {
		return Units{}
	}
	var out Units
	out.v.Sub(&u.v, &o.v)
	return out
}

// Cmp compares u and o, returning -1, 0 or +1.
func (u Units) Cmp(o Units) int { return u.v.Cmp(&o.v) }

// IsZero reports whether u is zero.
func (u Units) IsZero() bool { return u.v.IsZero() }

// String renders u in base 10.
func (u Units) String() string { return u.v.Dec() }

// MarshalText encodes u as a base-10 string so large values survive JSON.
func (u Units) MarshalText() ([]byte, error) {
	return []byte(u.v.Dec()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Units) UnmarshalText(text []byte) error {
	parsed, err := ParseUnits(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
