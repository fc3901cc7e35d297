package core

import (
	"context"
	"encoding/json"
	"fmt"

	"SimpleBet/internal/event"
	"SimpleBet/internal/host"
	fpmath "SimpleBet/internal/math"
)

// SchemaVersion is the version of State written by this build.
// Version 0 is the legacy layout handled by MigrateState.
const SchemaVersion = 1

// PendingBet is an accepted bet awaiting resolution.
type PendingBet struct {
	Ticket     uint64         `json:"ticket"`
	Bettor     host.AccountID `json:"bettor"`
	Stake      fpmath.Amount  `json:"stake"`
	AcceptedAt uint64         `json:"accepted_at"` // block height
}

// State is the persisted contract root.
type State struct {
	SchemaVersion int              `json:"schema_version"`
	Pool          fpmath.Amount    `json:"pool"`
	MaxBetRatio   fpmath.Fraction  `json:"max_bet_ratio"`
	WinningProba  fpmath.Fraction  `json:"winning_proba"`
	LastBlock     uint64           `json:"last_block"`
	Seed          []byte           `json:"seed"`
	LastEvents    []event.BetEvent `json:"last_events"`
	Pending       []PendingBet     `json:"pending"`
	NextTicket    uint64           `json:"next_ticket"`
}

// Encode returns the canonical JSON form.
func (s *State) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a current-schema payload.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: payload version %d", ErrUnsupportedSchema, s.SchemaVersion)
	}
	return &s, nil
}

// VersionedState is one record of the hash-chained state log.
type VersionedState struct {
	Version   int
	Sequence  int64
	Data      []byte
	StateHash [32]byte
	PrevHash  [32]byte
}

// StateStore persists the latest state record.
type StateStore interface {
	// Load returns the latest record, or nil when nothing was ever saved.
	Load(ctx context.Context) (*VersionedState, error)

	// Save stores rec. It fails with ErrSequenceConflict unless the store is empty
	// or rec.Sequence is exactly one past the stored sequence.
	Save(ctx context.Context, rec VersionedState) error
}
