package ledger

import (
	"errors"
	"fmt"

	fpmath "SimpleBet/internal/math"
)

var ErrInsufficientPool = errors.New("insufficient pool balance")

// Pool is the contract's single custodied balance. Never negative.
// Not thread-safe; only accessed from the single-threaded engine loop.
type Pool struct {
	balance fpmath.Amount
}

func NewPool(balance fpmath.Amount) *Pool {
	return &Pool{balance: balance}
}

func (p *Pool) Balance() fpmath.Amount {
	return p.balance
}

// Credit adds amount; fails without mutating on overflow.
func (p *Pool) Credit(amount fpmath.Amount) error {
	next, err := p.balance.Add(amount)
	if err != nil {
		return fmt.Errorf("credit pool: %w", err)
	}
	p.balance = next
	return nil
}

// Debit removes amount; fails without mutating if the pool cannot cover it.
func (p *Pool) Debit(amount fpmath.Amount) error {
	next, err := p.balance.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: balance %s, debit %s", ErrInsufficientPool, p.balance, amount)
	}
	p.balance = next
	return nil
}

// CanCredit reports whether Credit(amount) would succeed.
func (p *Pool) CanCredit(amount fpmath.Amount) bool {
	_, err := p.balance.Add(amount)
	return err == nil
}
