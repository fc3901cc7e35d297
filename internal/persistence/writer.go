package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"SimpleBet/internal/core"
	"SimpleBet/internal/event"
)

// HistoryWriter writes bet events and ledger entries to Postgres using
// multi-row INSERTs inside the caller's transaction.
type HistoryWriter struct {
	db         *sql.DB
	contractID string
}

// EventRow represents a row in simplebet.bet_events
type EventRow struct {
	EventID        uuid.UUID
	Sequence       int64
	Bettor         string
	Result         string
	Bet            string // decimal
	BlockTimestamp int64
	BlockHeight    int64
	Payload        []byte // EVENT_JSON body
	StateHash      []byte
}

// EntryRow represents a row in simplebet.ledger_entries
type EntryRow struct {
	EntryID        uuid.UUID
	BatchID        uuid.UUID
	Sequence       int64
	Ticket         int64
	Kind           string
	Account        string
	Amount         string // decimal
	PoolAfter      string // decimal
	BlockTimestamp int64
}

func NewHistoryWriter(db *sql.DB, contractID string) *HistoryWriter {
	return &HistoryWriter{db: db, contractID: contractID}
}

// RowsFromOutput flattens one engine output into table rows.
func RowsFromOutput(out core.CoreOutput) ([]EventRow, []EntryRow, error) {
	var events []EventRow
	if out.Event != nil {
		payload, err := event.NewBetEnvelope(*out.Event).Marshal()
		if err != nil {
			return nil, nil, fmt.Errorf("marshal event at %d: %w", out.Sequence, err)
		}
		events = append(events, EventRow{
			EventID:        uuid.New(),
			Sequence:       out.Sequence,
			Bettor:         out.Event.Bettor.String(),
			Result:         out.Event.Result.String(),
			Bet:            out.Event.Bet.String(),
			BlockTimestamp: int64(out.Event.Timestamp),
			BlockHeight:    int64(out.Event.BlockHeight),
			Payload:        payload,
			StateHash:      append([]byte(nil), out.StateHash[:]...),
		})
	}

	var entries []EntryRow
	if out.Batch != nil {
		entries = make([]EntryRow, 0, len(out.Batch.Entries))
		for _, e := range out.Batch.Entries {
			entries = append(entries, EntryRow{
				EntryID:        e.EntryID,
				BatchID:        e.BatchID,
				Sequence:       out.Sequence,
				Ticket:         int64(e.Ticket),
				Kind:           e.Kind.String(),
				Account:        e.Account.String(),
				Amount:         e.Amount.String(),
				PoolAfter:      e.PoolAfter.String(),
				BlockTimestamp: int64(out.Batch.Timestamp),
			})
		}
	}
	return events, entries, nil
}

// WriteEventBatch writes a batch of events to simplebet.bet_events.
func (w *HistoryWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO simplebet.bet_events
		(event_id, contract_id, sequence, bettor, result, bet, block_timestamp, block_height, payload, state_hash)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.EventID, w.contractID, e.Sequence, e.Bettor, e.Result,
			e.Bet, e.BlockTimestamp, e.BlockHeight, e.Payload, e.StateHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (contract_id, sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes a batch of ledger entries to simplebet.ledger_entries.
func (w *HistoryWriter) WriteEntryBatch(ctx context.Context, tx *sql.Tx, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO simplebet.ledger_entries
		(entry_id, batch_id, contract_id, sequence, ticket, kind, account, amount, pool_after, block_timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*cols)

	for i, e := range entries {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.EntryID, e.BatchID, w.contractID, e.Sequence, e.Ticket,
			e.Kind, e.Account, e.Amount, e.PoolAfter, e.BlockTimestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
