// Package money holds the gateway's two representations of value: atomic
// token amounts (arbitrary precision, backed by math/big) and fiat amounts
// (integer cents). Neither ever crosses paths with a float. A decimal
// display form exists purely for logs and reports.
package money

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Atomic is an amount expressed in a token's smallest indivisible unit,
// e.g. the 6-decimal base unit of USDT/USDC. It is never divided or
// multiplied by a float; all arithmetic is exact big.Int math.
type Atomic struct {
	i big.Int
}

// Zero is the additive identity.
var Zero = Atomic{}

// NewAtomic builds an Atomic from a base-10 string, as found in JSON
// request bodies and provider event payloads.
func NewAtomic(s string) (Atomic, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Atomic{}, errors.Errorf("%q is not a valid atomic amount", s)
	}
	if i.Sign() < 0 {
		return Atomic{}, errors.Errorf("atomic amount %q must not be negative", s)
	}
	return Atomic{i: *i}, nil
}

// AtomicFromInt64 is a convenience constructor for tests and seed data.
func AtomicFromInt64(v int64) Atomic {
	return Atomic{i: *big.NewInt(v)}
}

// Add returns a+b without mutating either operand.
func (a Atomic) Add(b Atomic) Atomic {
	var out big.Int
	out.Add(&a.i, &b.i)
	return Atomic{i: out}
}

// Sub returns a-b without mutating either operand.
func (a Atomic) Sub(b Atomic) Atomic {
	var out big.Int
	out.Sub(&a.i, &b.i)
	return Atomic{i: out}
}

// Cmp compares a to b: -1, 0, or 1.
func (a Atomic) Cmp(b Atomic) int {
	return a.i.Cmp(&b.i)
}

// IsZero reports whether this is exactly zero.
func (a Atomic) IsZero() bool {
	return a.i.Sign() == 0
}

// String renders the exact base-10 integer, safe for API responses and
// persistence - never a float conversion.
func (a Atomic) String() string {
	return a.i.String()
}

// Display converts to a shopspring/decimal value scaled by the token's
// decimal places, for logging and merchant-facing display only. This
// value must never be fed back into the credit or confirmation path.
func (a Atomic) Display(tokenDecimals int32) decimal.Decimal {
	d := decimal.NewFromBigInt(&a.i, 0)
	return d.Shift(-tokenDecimals)
}

// Value implements driver.Valuer so Atomic can be written directly to a
// NUMERIC column via sqlx/lib-pq.
func (a Atomic) Value() (driver.Value, error) {
	return a.i.String(), nil
}

// Scan implements sql.Scanner, reading a NUMERIC column back as an exact
// big.Int - Postgres returns NUMERIC as text/bytes over the wire, never
// as a Go float.
func (a *Atomic) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
		s = "0"
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return errors.Errorf("cannot scan %T into money.Atomic", src)
	}
	parsed, err := NewAtomic(s)
	if err != nil {
		return errors.Wrap(err, "scanning money.Atomic")
	}
	*a = parsed
	return nil
}

// FiatCents is a fiat amount in integer cents - plain int64, never a float.
type FiatCents int64

// Display converts cents to a shopspring/decimal dollar amount for
// logging and API responses; the canonical wire value remains the
// integer cents.
func (c FiatCents) Display() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c FiatCents) String() string {
	return fmt.Sprintf("%d", int64(c))
}
