package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"SimpleBet/internal/core"
)

// PostgresStateStore keeps the hash-chained state log in simplebet.contract_state.
// Every Save appends a row; Load returns the highest sequence.
type PostgresStateStore struct {
	db         *sql.DB
	contractID string
}

func NewPostgresStateStore(db *sql.DB, contractID string) *PostgresStateStore {
	return &PostgresStateStore{db: db, contractID: contractID}
}

func (s *PostgresStateStore) Load(ctx context.Context) (*core.VersionedState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, sequence, data, state_hash, prev_hash
		FROM simplebet.contract_state
		WHERE contract_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, s.contractID)

	var (
		rec       core.VersionedState
		stateHash []byte
		prevHash  []byte
	)
	if err := row.Scan(&rec.Version, &rec.Sequence, &rec.Data, &stateHash, &prevHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := copyHash(&rec.StateHash, stateHash); err != nil {
		return nil, fmt.Errorf("state_hash at %d: %w", rec.Sequence, err)
	}
	if err := copyHash(&rec.PrevHash, prevHash); err != nil {
		return nil, fmt.Errorf("prev_hash at %d: %w", rec.Sequence, err)
	}
	return &rec, nil
}

// Save appends rec only if the log is empty or its tip is rec.Sequence-1.
func (s *PostgresStateStore) Save(ctx context.Context, rec core.VersionedState) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO simplebet.contract_state
			(contract_id, sequence, version, data, state_hash, prev_hash)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM simplebet.contract_state WHERE contract_id = $1 AND sequence >= $2
		)
		AND (
			NOT EXISTS (SELECT 1 FROM simplebet.contract_state WHERE contract_id = $1)
			OR EXISTS (SELECT 1 FROM simplebet.contract_state WHERE contract_id = $1 AND sequence = $2 - 1)
		)
	`, s.contractID, rec.Sequence, rec.Version, rec.Data, rec.StateHash[:], rec.PrevHash[:])
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: sequence %d already stored", core.ErrSequenceConflict, rec.Sequence)
		}
		return fmt.Errorf("save state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: sequence %d does not follow the stored tip", core.ErrSequenceConflict, rec.Sequence)
	}
	return nil
}

func copyHash(dst *[32]byte, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if len(src) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(src))
	}
	copy(dst[:], src)
	return nil
}
