package state

import "errors"

var ErrEntropyExhausted = errors.New("entropy exhausted for current block")

// SeedSource yields the random seed of the block currently executing.
type SeedSource interface {
	RandomSeed() []byte
}

// EntropyCache holds the seed of the last observed block.
// Not thread-safe; only accessed from the single-threaded engine loop.
type EntropyCache struct {
	Seed      []byte `json:"seed"`
	LastBlock uint64 `json:"last_block"`
}

// NewEntropyCache seeds the cache from the current block.
func NewEntropyCache(height uint64, src SeedSource) *EntropyCache {
	return &EntropyCache{
		Seed:      copySeed(src.RandomSeed()),
		LastBlock: height,
	}
}

// EnsureFresh replaces the seed wholesale when the block height moved.
// Returns true if a refresh happened. A partially consumed seed is never topped up
// within the same block.
func (c *EntropyCache) EnsureFresh(height uint64, src SeedSource) bool {
	if height == c.LastBlock {
		return false
	}
	c.Seed = copySeed(src.RandomSeed())
	c.LastBlock = height
	return true
}

// TakeByte pops the last byte of the seed.
func (c *EntropyCache) TakeByte() (byte, error) {
	n := len(c.Seed)
	if n == 0 {
		return 0, ErrEntropyExhausted
	}
	b := c.Seed[n-1]
	c.Seed = c.Seed[:n-1]
	return b, nil
}

// Remaining returns the number of unconsumed bytes.
func (c *EntropyCache) Remaining() int {
	return len(c.Seed)
}

// Clone returns a deep copy.
func (c *EntropyCache) Clone() *EntropyCache {
	return &EntropyCache{Seed: copySeed(c.Seed), LastBlock: c.LastBlock}
}

func copySeed(seed []byte) []byte {
	out := make([]byte, len(seed))
	copy(out, seed)
	return out
}
