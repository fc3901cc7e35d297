package host

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/kyber/v4/util/random"
)

// SeedBits is the size of the per-block random seed.
const SeedBits = 256

// LocalChain is a simulated block producer for running the contract
// outside a real chain. Every block carries a fresh random seed.
type LocalChain struct {
	mu       sync.RWMutex
	current  Block
	interval time.Duration
	logger   zerolog.Logger
}

// NewLocalChain starts at the given height with a fresh seed.
func NewLocalChain(startHeight uint64, interval time.Duration, logger zerolog.Logger) *LocalChain {
	return &LocalChain{
		current: Block{
			Height:    startHeight,
			Timestamp: uint64(time.Now().UnixNano()),
			Seed:      newSeed(),
		},
		interval: interval,
		logger:   logger,
	}
}

func (c *LocalChain) Current() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.current
	b.Seed = append([]byte(nil), c.current.Seed...)
	return b
}

// Advance produces the next block.
func (c *LocalChain) Advance(now time.Time) Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Block{
		Height:    c.current.Height + 1,
		Timestamp: uint64(now.UnixNano()),
		Seed:      newSeed(),
	}
	return c.current
}

// Run produces a block every interval until ctx is cancelled.
func (c *LocalChain) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b := c.Advance(now)
			c.logger.Debug().Uint64("height", b.Height).Msg("block produced")
		}
	}
}

func newSeed() []byte {
	return random.Bits(SeedBits, false, random.New())
}
