// Package money implements the fixed-point amounts used for prices and order totals.
//
// Every Amount carries exactly two fractional digits. Values entering the package are
// rounded half away from zero, and the only operation that rounds after that is Percentage.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept by an Amount.
const Scale = 2

// Amount is a monetary value with two fractional digits.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{d: decimal.Zero}

// Parse reads a decimal string such as "19.99".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal rounds d half-up to two fractional digits.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Scale)}
}

// FromCents builds an amount from an integer number of cents.
func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -Scale)}
}

// Cents returns the amount as an integer number of cents.
func (a Amount) Cents() int64 {
	return a.d.Shift(Scale).IntPart()
}

// Decimal exposes the underlying value.
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// Multiply is exact because quantity is integral.
func (a Amount) Multiply(quantity int) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(int64(quantity)))}
}

// Percentage returns a*rate rounded half-up to two fractional digits.
func (a Amount) Percentage(rate decimal.Decimal) Amount {
	return FromDecimal(a.d.Mul(rate))
}

// DivideBy splits the amount into n parts, rounded half-up. Dividing by zero yields Zero.
func (a Amount) DivideBy(n int64) Amount {
	if n == 0 {
		return Zero
	}
	return FromDecimal(a.d.DivRound(decimal.NewFromInt(n), Scale+2))
}

func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }
func (a Amount) IsZero() bool { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }

// String formats with exactly two fractional digits.
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// MarshalJSON encodes the amount as a JSON string to keep it exact.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("money: decode %s: %w", b, err)
		}
		s = n.String()
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as integer cents.
func (a Amount) Value() (driver.Value, error) {
	return a.Cents(), nil
}

// Scan reads integer cents as written by Value.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*a = FromCents(v)
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		*a = FromCents(d.IntPart())
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		*a = FromCents(d.IntPart())
	case nil:
		*a = Zero
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}
