package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"SimpleBet/internal/host"
	fpmath "SimpleBet/internal/math"
)

// LegacyState is the schema-0 contract root: bare integer amounts, no event
// history, no pending tickets.
type LegacyState struct {
	Pool         fpmath.Amount   `json:"pool"`
	MaxBetRatio  fpmath.Fraction `json:"max_bet_ratio"`
	WinningProba fpmath.Fraction `json:"winning_proba"`
	LastBlock    uint64          `json:"last_block"`
	Seed         legacySeed      `json:"seed"`
}

// legacySeed decodes the seed as a JSON array of byte values.
// A base64 string is accepted as well.
type legacySeed []byte

func (s *legacySeed) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var b []byte
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*s = b
		return nil
	}

	var values []uint16
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v > 0xFF {
			return fmt.Errorf("seed byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*s = out
	return nil
}

// IsCurrentSchema reports whether a raw payload was written by this schema.
func IsCurrentSchema(data []byte) bool {
	var probe struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.SchemaVersion != nil
}

// MigrateState converts a legacy payload through the initialize path: both
// fractions are re-validated, the pool carries over, the event history starts
// empty and entropy is re-seeded from block. Fails closed on any decode or
// validation error.
func MigrateState(data []byte, block host.Block) (*Contract, error) {
	if IsCurrentSchema(data) {
		return nil, ErrAlreadyMigrated
	}

	var legacy LegacyState
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: decode legacy state: %v", ErrCorruptState, err)
	}

	c, err := NewContract(Config{
		MaxBetRatio:  legacy.MaxBetRatio,
		WinningProba: legacy.WinningProba,
	}, block)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := c.pool.Credit(legacy.Pool); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}

// ImportLegacyState writes a raw legacy payload as the first record of an empty
// store so Migrate can upgrade it. The payload must decode as LegacyState.
func ImportLegacyState(ctx context.Context, store StateStore, data []byte) error {
	if IsCurrentSchema(data) {
		return ErrAlreadyMigrated
	}
	var legacy LegacyState
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("%w: decode legacy state: %v", ErrCorruptState, err)
	}

	existing, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if existing != nil {
		return ErrAlreadyInitialized
	}

	return store.Save(ctx, VersionedState{
		Version:  0,
		Sequence: 0,
		Data:     data,
	})
}
