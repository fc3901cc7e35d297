package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ProbabilityDenominator is the granularity of the winning probability.
// Entropy is consumed one byte at a time, so probabilities are expressed in 256ths.
const ProbabilityDenominator = 256

var ErrInvalidFraction = errors.New("invalid fraction")

// Fraction is an exact ratio num/den.
type Fraction struct {
	Num Amount `json:"num"`
	Den Amount `json:"den"`
}

func NewFraction(num, den uint64) Fraction {
	return Fraction{Num: NewAmount(num), Den: NewAmount(den)}
}

// validateUnitRange checks 0 < num <= den.
func (f Fraction) validateUnitRange() error {
	if f.Den.IsZero() || f.Num.IsZero() || f.Num.Cmp(f.Den) > 0 {
		return fmt.Errorf("%s/%s not in (0, 1]", f.Num, f.Den)
	}
	return nil
}

// ValidateMaxBetRatio checks the invariant every stored max bet ratio must satisfy.
func ValidateMaxBetRatio(f Fraction) error {
	if err := f.validateUnitRange(); err != nil {
		return fmt.Errorf("%w: max bet ratio must be in the range (0, 1]: %v", ErrInvalidFraction, err)
	}
	return nil
}

// ValidateWinningProba checks the range and the fixed 1/256 granularity.
func ValidateWinningProba(f Fraction) error {
	if err := f.validateUnitRange(); err != nil {
		return fmt.Errorf("%w: winning probability must be in the range (0, 1]: %v", ErrInvalidFraction, err)
	}
	if !f.Den.Equal(NewAmount(ProbabilityDenominator)) {
		return fmt.Errorf("%w: denominator must be %d, got %s", ErrInvalidFraction, ProbabilityDenominator, f.Den)
	}
	return nil
}

// Pooled big.Int intermediates, as num*amount needs up to 256 bits.
var wideIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWideInt() *big.Int {
	return wideIntPool.Get().(*big.Int)
}

func putWideInt(v *big.Int) {
	v.SetInt64(0)
	wideIntPool.Put(v)
}

// Mul returns floor(num * amount / den).
// Fails with ErrInvalidFraction on a zero denominator and ErrOverflow when the
// quotient does not fit 128 bits (only possible for num > den).
func (f Fraction) Mul(amount Amount) (Amount, error) {
	if f.Den.IsZero() {
		return Amount{}, fmt.Errorf("%w: zero denominator", ErrInvalidFraction)
	}

	product := getWideInt()
	defer putWideInt(product)
	product.Mul(f.Num.Big(), amount.Big())

	quotient := getWideInt()
	defer putWideInt(quotient)
	quotient.Quo(product, f.Den.Big())

	return AmountFromBig(quotient)
}

// Below reports whether b is strictly less than the numerator.
// Used to map a uniform byte onto a probability in 256ths.
func (f Fraction) Below(b byte) bool {
	return NewAmount(uint64(b)).Cmp(f.Num) < 0
}

func (f Fraction) String() string {
	return f.Num.String() + "/" + f.Den.String()
}
