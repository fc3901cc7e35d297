package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"SimpleBet/internal/host"
	fpmath "SimpleBet/internal/math"
)

// EntryKind represents the purpose of a ledger entry
type EntryKind int32

const (
	EntryKindTopUp EntryKind = iota
	EntryKindBetReserve
	EntryKindDepositRefund
	EntryKindPayout
	EntryKindLossSettle
	EntryKindStakeRefund
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindTopUp:
		return "top_up"
	case EntryKindBetReserve:
		return "bet_reserve"
	case EntryKindDepositRefund:
		return "deposit_refund"
	case EntryKindPayout:
		return "payout"
	case EntryKindLossSettle:
		return "loss_settle"
	case EntryKindStakeRefund:
		return "stake_refund"
	default:
		return "unknown"
	}
}

// PoolDelta returns +1 for kinds that credit the pool, -1 for debits and 0
// for movements that bypass it.
func (k EntryKind) PoolDelta() int {
	switch k {
	case EntryKindTopUp, EntryKindLossSettle:
		return 1
	case EntryKindBetReserve:
		return -1
	default:
		return 0
	}
}

// Entry is a single value movement decided by one contract call
type Entry struct {
	EntryID   uuid.UUID
	BatchID   uuid.UUID
	Ticket    uint64         // Bet ticket, 0 for non-bet movements
	Kind      EntryKind
	Account   host.AccountID // Counterparty
	Amount    fpmath.Amount  // ALWAYS positive
	PoolAfter fpmath.Amount  // Pool balance after the entry
}

// Batch groups the entries of one call
type Batch struct {
	BatchID   uuid.UUID
	Sequence  int64  // State record sequence, stamped on commit
	Timestamp uint64 // Block timestamp, ns
	Entries   []Entry
}

func NewBatch(timestamp uint64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		Timestamp: timestamp,
		Entries:   make([]Entry, 0, 2),
	}
}

// Add appends an entry under this batch.
func (b *Batch) Add(kind EntryKind, ticket uint64, account host.AccountID, amount, poolAfter fpmath.Amount) {
	b.Entries = append(b.Entries, Entry{
		EntryID:   uuid.New(),
		BatchID:   b.BatchID,
		Ticket:    ticket,
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		PoolAfter: poolAfter,
	})
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	for _, e := range b.Entries {
		if e.Amount.IsZero() {
			return fmt.Errorf("entry %s (%s) has zero amount", e.EntryID, e.Kind)
		}
		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}
	}
	return nil
}

// ValidatePoolChain checks that every entry's PoolAfter follows from the
// previous one and the entry's pool delta, starting at poolBefore.
func (b *Batch) ValidatePoolChain(poolBefore fpmath.Amount) error {
	current := poolBefore
	for _, e := range b.Entries {
		var (
			next fpmath.Amount
			err  error
		)
		switch e.Kind.PoolDelta() {
		case 1:
			next, err = current.Add(e.Amount)
		case -1:
			next, err = current.Sub(e.Amount)
		default:
			next = current
		}
		if err != nil {
			return fmt.Errorf("entry %s (%s): %w", e.EntryID, e.Kind, err)
		}
		if !next.Equal(e.PoolAfter) {
			return fmt.Errorf("entry %s (%s): pool after %s, expected %s", e.EntryID, e.Kind, e.PoolAfter, next)
		}
		current = next
	}
	return nil
}
