// Package money implements the wire-boundary codec for monetary scalars.
//
// All monetary quantities are arbitrary-precision signed integers denominated
// in micro-USD (1 USD = 1_000_000 units). The canonical wire form is a decimal
// string: optional leading '-', no leading zeros except "0" itself, no '+',
// no whitespace, no exponent. "-0" normalizes to "0".
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Denom identifies the unit a posting is denominated in.
type Denom string

const (
	DenomMicroUSD   Denom = "MicroUSD"
	DenomCreditUnit Denom = "CreditUnit"
	DenomMicroUSDC  Denom = "MicroUSDC"
)

var (
	ErrBadWireForm    = errors.New("money: malformed decimal wire form")
	ErrBadBasisPoints = errors.New("money: basis points out of [0, 10000]")
	ErrBadAccountID   = errors.New("money: invalid account id")
)

// MicroUSD is a signed arbitrary-precision amount of micro-USD.
// The zero value is 0.
type MicroUSD struct {
	v big.Int
}

// Zero returns a zero amount.
func Zero() MicroUSD { return MicroUSD{} }

// FromInt64 builds an amount from an int64 number of micro-USD.
func FromInt64(n int64) MicroUSD {
	var m MicroUSD
	m.v.SetInt64(n)
	return m
}

// FromBig copies b into a MicroUSD. A nil b is treated as zero.
func FromBig(b *big.Int) MicroUSD {
	var m MicroUSD
	if b != nil {
		m.v.Set(b)
	}
	return m
}

// Parse decodes the canonical wire form. It rejects anything a strict
// producer would never emit: leading zeros, "+", whitespace, "-0".
func Parse(s string) (MicroUSD, error) {
	if !isCanonical(s) {
		return MicroUSD{}, fmt.Errorf("%w: %q", ErrBadWireForm, s)
	}
	var m MicroUSD
	if _, ok := m.v.SetString(s, 10); !ok {
		return MicroUSD{}, fmt.Errorf("%w: %q", ErrBadWireForm, s)
	}
	return m, nil
}

// ParseLenient accepts ingress from less strict producers: leading '+',
// surrounding whitespace, leading zeros, and "-0". The second return value
// reports whether the input was normalized (i.e. was not already canonical).
func ParseLenient(s string) (MicroUSD, bool, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "+")
	var m MicroUSD
	if _, ok := m.v.SetString(trimmed, 10); !ok {
		return MicroUSD{}, false, fmt.Errorf("%w: %q", ErrBadWireForm, s)
	}
	normalized := m.String() != s
	return m, normalized, nil
}

func isCanonical(s string) bool {
	if s == "" {
		return false
	}
	digits := s
	if s[0] == '-' {
		digits = s[1:]
		if digits == "" || digits == "0" {
			// "-" and "-0" are not canonical.
			return false
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

// String returns the canonical wire form.
func (m MicroUSD) String() string { return m.v.String() }

// MarshalText implements encoding.TextMarshaler (canonical form).
func (m MicroUSD) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler (strict parse).
func (m *MicroUSD) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	m.v.Set(&parsed.v)
	return nil
}

// Big returns a copy of the underlying integer.
func (m MicroUSD) Big() *big.Int { return new(big.Int).Set(&m.v) }

// Add returns m + o.
func (m MicroUSD) Add(o MicroUSD) MicroUSD {
	var r MicroUSD
	r.v.Add(&m.v, &o.v)
	return r
}

// Sub returns m - o.
func (m MicroUSD) Sub(o MicroUSD) MicroUSD {
	var r MicroUSD
	r.v.Sub(&m.v, &o.v)
	return r
}

// Neg returns -m.
func (m MicroUSD) Neg() MicroUSD {
	var r MicroUSD
	r.v.Neg(&m.v)
	return r
}

// Mul returns m * n for an integer scale factor.
func (m MicroUSD) Mul(n int64) MicroUSD {
	var r MicroUSD
	r.v.Mul(&m.v, big.NewInt(n))
	return r
}

// FloorDiv returns m / n rounded toward negative infinity. Cost formulas use
// floor division so the platform never over-charges by a rounding step.
func (m MicroUSD) FloorDiv(n int64) MicroUSD {
	var r MicroUSD
	var rem big.Int
	r.v.QuoRem(&m.v, big.NewInt(n), &rem)
	// QuoRem truncates toward zero; floor needs one more step down when the
	// operands disagree in sign and there is a remainder.
	if rem.Sign() != 0 && (m.v.Sign() < 0) != (n < 0) {
		r.v.Sub(&r.v, big.NewInt(1))
	}
	return r
}

// Cmp compares m and o: -1 if m < o, 0 if equal, +1 if m > o.
func (m MicroUSD) Cmp(o MicroUSD) int { return m.v.Cmp(&o.v) }

// Sign reports the sign of m: -1, 0, or +1.
func (m MicroUSD) Sign() int { return m.v.Sign() }

// IsZero reports whether m is exactly zero.
func (m MicroUSD) IsZero() bool { return m.v.Sign() == 0 }

// Equal reports whether m and o are the same amount.
func (m MicroUSD) Equal(o MicroUSD) bool { return m.v.Cmp(&o.v) == 0 }

// Int64 returns the amount as int64. Callers use this only for amounts known
// to fit (e.g. test fixtures); out-of-range amounts saturate per math/big.
func (m MicroUSD) Int64() int64 { return m.v.Int64() }

// BasisPoints is an integer fraction in [0, 10000] (10000 = 100%).
type BasisPoints int

// ParseBasisPoints validates the range invariant.
func ParseBasisPoints(n int) (BasisPoints, error) {
	if n < 0 || n > 10000 {
		return 0, fmt.Errorf("%w: %d", ErrBadBasisPoints, n)
	}
	return BasisPoints(n), nil
}

// ApplyTo returns amount * bp / 10000, floored.
func (bp BasisPoints) ApplyTo(amount MicroUSD) MicroUSD {
	return amount.Mul(int64(bp)).FloorDiv(10000)
}
