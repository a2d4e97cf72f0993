// Package wad implements fixed-point decimals with 18 fractional digits,
// the representation used by the arbitrage contract for every amount,
// leverage and rate it reads or writes.
package wad

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a Wad.
const Decimals = 18

var (
	ErrDivisionByZero = errors.New("wad: division by zero")

	scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
)

// Wad is an immutable signed integer scaled by 10^18. The zero value is 0.
type Wad struct {
	value *big.Int
}

// Zero returns the zero amount.
func Zero() Wad { return Wad{} }

// One returns 1.0.
func One() Wad { return Wad{value: new(big.Int).Set(scale)} }

// Unit returns the smallest representable positive amount (raw value 1).
func Unit() Wad { return Wad{value: big.NewInt(1)} }

// FromRaw wraps an already-scaled integer. The argument is copied.
func FromRaw(raw *big.Int) Wad {
	if raw == nil {
		return Wad{}
	}
	return Wad{value: new(big.Int).Set(raw)}
}

// FromRawInt64 wraps an already-scaled int64.
func FromRawInt64(raw int64) Wad {
	return Wad{value: big.NewInt(raw)}
}

// FromInt64 scales a whole number: FromInt64(5) == 5.0.
func FromInt64(n int64) Wad {
	return Wad{value: new(big.Int).Mul(big.NewInt(n), scale)}
}

// FromString parses a human-readable decimal such as "1.5" or "-0.004".
// Digits beyond the 18th fractional place are dropped (rounded toward zero).
func FromString(s string) (Wad, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Wad{}, fmt.Errorf("wad: parse %q: %w", s, err)
	}
	return Wad{value: d.Shift(Decimals).Truncate(0).BigInt()}, nil
}

// MustFromString is FromString for constants and tests.
func MustFromString(s string) Wad {
	w, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Wad) raw() *big.Int {
	if w.value == nil {
		return new(big.Int)
	}
	return w.value
}

// Raw returns a copy of the scaled integer.
func (w Wad) Raw() *big.Int { return new(big.Int).Set(w.raw()) }

func (w Wad) Add(o Wad) Wad { return Wad{value: new(big.Int).Add(w.raw(), o.raw())} }

func (w Wad) Sub(o Wad) Wad { return Wad{value: new(big.Int).Sub(w.raw(), o.raw())} }

// Mul returns w*o truncated toward zero.
func (w Wad) Mul(o Wad) Wad {
	p := new(big.Int).Mul(w.raw(), o.raw())
	return Wad{value: p.Quo(p, scale)}
}

// Div returns w/o truncated toward zero.
func (w Wad) Div(o Wad) (Wad, error) {
	if o.IsZero() {
		return Wad{}, ErrDivisionByZero
	}
	n := new(big.Int).Mul(w.raw(), scale)
	return Wad{value: n.Quo(n, o.raw())}, nil
}

func (w Wad) Abs() Wad { return Wad{value: new(big.Int).Abs(w.raw())} }

func (w Wad) Neg() Wad { return Wad{value: new(big.Int).Neg(w.raw())} }

// Cmp returns -1, 0 or +1.
func (w Wad) Cmp(o Wad) int { return w.raw().Cmp(o.raw()) }

func (w Wad) Equal(o Wad) bool { return w.Cmp(o) == 0 }

func (w Wad) LessThan(o Wad) bool { return w.Cmp(o) < 0 }

func (w Wad) LessThanOrEqual(o Wad) bool { return w.Cmp(o) <= 0 }

func (w Wad) GreaterThan(o Wad) bool { return w.Cmp(o) > 0 }

func (w Wad) GreaterThanOrEqual(o Wad) bool { return w.Cmp(o) >= 0 }

func (w Wad) IsZero() bool { return w.raw().Sign() == 0 }

func (w Wad) Sign() int { return w.raw().Sign() }

// Float64 returns the nearest float64 of the decimal value. Only used for
// display and for the optimizer's search space, never for settlement.
func (w Wad) Float64() float64 {
	f, _ := new(big.Rat).SetFrac(w.raw(), scale).Float64()
	return f
}

// String renders exactly 18 fractional digits: "1.500000000000000000",
// "-0.000000000000000005".
func (w Wad) String() string {
	v := w.raw()
	digits := new(big.Int).Abs(v).String()
	if len(digits) < Decimals+1 {
		digits = strings.Repeat("0", Decimals+1-len(digits)) + digits
	}
	cut := len(digits) - Decimals
	s := digits[:cut] + "." + digits[cut:]
	if v.Sign() < 0 {
		return "-" + s
	}
	return s
}

// Round4 formats the value the way report lines show it.
func (w Wad) Round4() string {
	return fmt.Sprintf("%.4f", w.Float64())
}

// Min returns the smaller of the given values.
func Min(first Wad, rest ...Wad) Wad {
	out := first
	for _, w := range rest {
		if w.LessThan(out) {
			out = w
		}
	}
	return out
}

// Max returns the larger of the given values.
func Max(first Wad, rest ...Wad) Wad {
	out := first
	for _, w := range rest {
		if w.GreaterThan(out) {
			out = w
		}
	}
	return out
}
