// Package host models the execution environment the bet contract runs in:
// account identity, chain context and value transfers.
package host

import (
	"context"

	fpmath "SimpleBet/internal/math"
)

// AccountID identifies an account on the host chain (e.g. "alice.near").
type AccountID string

func (a AccountID) String() string {
	return string(a)
}

// Block is the chain context observed by a single call.
type Block struct {
	Height    uint64
	Timestamp uint64 // nanoseconds since Unix epoch
	Seed      []byte
}

// RandomSeed returns the per-block random seed.
func (b Block) RandomSeed() []byte {
	return b.Seed
}

// Chain exposes the block a call executes in.
type Chain interface {
	Current() Block
}

// Transfer is an outgoing value movement decided by the contract.
type Transfer struct {
	To     AccountID
	Amount fpmath.Amount
	Memo   string
}

// Transferer executes transfers. The contract decides how much moves and to whom;
// the host moves it.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) error
}

// StaticChain always reports the same block. Used by tests and one-shot tools.
type StaticChain struct {
	Block Block
}

func (c *StaticChain) Current() Block {
	return c.Block
}
