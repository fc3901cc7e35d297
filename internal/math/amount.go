package math

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"lukechampine.com/uint128"
)

var (
	ErrOverflow      = errors.New("arithmetic overflow")
	ErrUnderflow     = errors.New("arithmetic underflow")
	ErrInvalidAmount = errors.New("invalid amount")
)

// Amount is an unsigned 128-bit token amount.
// JSON form is a decimal string; a bare JSON number is accepted on decode
// because the legacy state schema stored raw integers.
type Amount struct {
	v uint128.Uint128
}

var ZeroAmount = Amount{}

func NewAmount(v uint64) Amount {
	return Amount{v: uint128.From64(v)}
}

// AmountFromBig converts b, failing when it is negative or wider than 128 bits.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: negative value %s", ErrUnderflow, b)
	}
	if b.BitLen() > 128 {
		return Amount{}, fmt.Errorf("%w: %s exceeds 128 bits", ErrOverflow, b)
	}
	return Amount{v: uint128.FromBig(b)}, nil
}

// ParseAmount parses a base-10 unsigned integer.
func ParseAmount(s string) (Amount, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidAmount, s)
	}
	return AmountFromBig(b)
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(b.v)
}

func (a Amount) Equal(b Amount) bool {
	return a.v.Equals(b.v)
}

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.v.Cmp(uint128.Max.Sub(b.v)) > 0 {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a, b)
	}
	return Amount{v: a.v.Add(b.v)}, nil
}

// Sub returns a-b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.v.Cmp(b.v) < 0 {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, a, b)
	}
	return Amount{v: a.v.Sub(b.v)}, nil
}

// Double returns 2*a or ErrOverflow.
func (a Amount) Double() (Amount, error) {
	return a.Add(a)
}

func (a Amount) Big() *big.Int {
	return a.v.Big()
}

func (a Amount) String() string {
	return a.v.String()
}

// MinAmount returns the smaller of a and b.
func MinAmount(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.v.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: null", ErrInvalidAmount)
	}
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	parsed, err := ParseAmount(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
