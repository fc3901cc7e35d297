package core

import (
	"errors"
	"fmt"

	"SimpleBet/internal/event"
	"SimpleBet/internal/host"
	"SimpleBet/internal/ledger"
	fpmath "SimpleBet/internal/math"
	"SimpleBet/internal/state"
)

// Phase is the lifecycle position of a single bet
type Phase int32

const (
	PhaseRequested Phase = iota
	PhaseAccepted
	PhaseResolved
	PhaseRefunded
	PhaseRefundedNoEntropy
	PhaseRefundedOverflow
)

func (p Phase) String() string {
	switch p {
	case PhaseRequested:
		return "requested"
	case PhaseAccepted:
		return "accepted"
	case PhaseResolved:
		return "resolved"
	case PhaseRefunded:
		return "refunded"
	case PhaseRefundedNoEntropy:
		return "refunded_no_entropy"
	case PhaseRefundedOverflow:
		return "refunded_overflow"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Config holds the privileged tunables
type Config struct {
	MaxBetRatio  fpmath.Fraction `json:"max_bet_ratio"`
	WinningProba fpmath.Fraction `json:"winning_proba"`
}

func (c Config) Validate() error {
	if err := fpmath.ValidateMaxBetRatio(c.MaxBetRatio); err != nil {
		return err
	}
	return fpmath.ValidateWinningProba(c.WinningProba)
}

// Contract is the bet aggregate: pool, config, entropy, recent events and
// bets awaiting resolution. Pure: it decides value movements but executes none.
// Not thread-safe; only accessed from the single-threaded engine loop.
type Contract struct {
	pool       *ledger.Pool
	config     Config
	entropy    *state.EntropyCache
	history    *event.History
	pending    []PendingBet
	nextTicket uint64
}

// NewContract validates cfg and starts with an empty pool, the current block's
// seed and no events.
func NewContract(cfg Config, block host.Block) (*Contract, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Contract{
		pool:    ledger.NewPool(fpmath.ZeroAmount),
		config:  cfg,
		entropy: state.NewEntropyCache(block.Height, block),
		history: event.NewHistory(),
	}, nil
}

// FromState rebuilds the aggregate from its persisted root.
// Stored fractions must still satisfy their invariants.
func FromState(s *State) (*Contract, error) {
	cfg := Config{MaxBetRatio: s.MaxBetRatio, WinningProba: s.WinningProba}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	history := event.NewHistory()
	history.Restore(s.LastEvents)

	pending := make([]PendingBet, len(s.Pending))
	copy(pending, s.Pending)

	return &Contract{
		pool:       ledger.NewPool(s.Pool),
		config:     cfg,
		entropy:    (&state.EntropyCache{Seed: s.Seed, LastBlock: s.LastBlock}).Clone(),
		history:    history,
		pending:    pending,
		nextTicket: s.NextTicket,
	}, nil
}

// Snapshot returns the persisted root.
func (c *Contract) Snapshot() *State {
	pending := make([]PendingBet, len(c.pending))
	copy(pending, c.pending)
	entropy := c.entropy.Clone()

	return &State{
		SchemaVersion: SchemaVersion,
		Pool:          c.pool.Balance(),
		MaxBetRatio:   c.config.MaxBetRatio,
		WinningProba:  c.config.WinningProba,
		LastBlock:     entropy.LastBlock,
		Seed:          entropy.Seed,
		LastEvents:    c.history.List(),
		Pending:       pending,
		NextTicket:    c.nextTicket,
	}
}

func (c *Contract) Pool() fpmath.Amount {
	return c.pool.Balance()
}

func (c *Contract) Config() Config {
	return c.config
}

// RecentEvents returns at most event.KeepEvents events, most recent last.
func (c *Contract) RecentEvents() []event.BetEvent {
	return c.history.List()
}

// Pending returns bets accepted but not yet resolved.
func (c *Contract) Pending() []PendingBet {
	out := make([]PendingBet, len(c.pending))
	copy(out, c.pending)
	return out
}

func (c *Contract) EntropyRemaining() int {
	return c.entropy.Remaining()
}

func (c *Contract) SetMaxBetRatio(f fpmath.Fraction) error {
	if err := fpmath.ValidateMaxBetRatio(f); err != nil {
		return err
	}
	c.config.MaxBetRatio = f
	return nil
}

func (c *Contract) SetWinningProba(f fpmath.Fraction) error {
	if err := fpmath.ValidateWinningProba(f); err != nil {
		return err
	}
	c.config.WinningProba = f
	return nil
}

// TopUp credits the pool with the full attached amount.
func (c *Contract) TopUp(depositor host.AccountID, amount fpmath.Amount, block host.Block) (*ledger.Batch, error) {
	batch := ledger.NewBatch(block.Timestamp)
	if amount.IsZero() {
		return batch, nil
	}
	if err := c.pool.Credit(amount); err != nil {
		return nil, fmt.Errorf("top up: %w", err)
	}
	batch.Add(ledger.EntryKindTopUp, 0, depositor, amount, c.pool.Balance())
	return batch, nil
}

// Acceptance is the outcome of the first half of a bet
type Acceptance struct {
	Phase    Phase // PhaseAccepted or PhaseRefunded
	Ticket   uint64
	Bettor   host.AccountID
	Deposit  fpmath.Amount
	Cap      fpmath.Amount
	Accepted fpmath.Amount
	Refund   fpmath.Amount
	Batch    *ledger.Batch
}

// Accept bounds the deposit by max_bet_ratio of the pool, reserves the accepted
// stake from the pool and records it as pending. The caller must refund
// Acceptance.Refund to the bettor and schedule Resolve for the ticket.
func (c *Contract) Accept(bettor host.AccountID, deposit fpmath.Amount, block host.Block) (*Acceptance, error) {
	poolBefore := c.pool.Balance()
	maxBet, err := c.config.MaxBetRatio.Mul(poolBefore)
	if err != nil {
		return nil, fmt.Errorf("max bet: %w", err)
	}

	accepted := fpmath.MinAmount(deposit, maxBet)
	refund, err := deposit.Sub(accepted)
	if err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	acc := &Acceptance{
		Phase:    PhaseRefunded,
		Bettor:   bettor,
		Deposit:  deposit,
		Cap:      maxBet,
		Accepted: accepted,
		Refund:   refund,
		Batch:    ledger.NewBatch(block.Timestamp),
	}

	if accepted.IsZero() {
		if !refund.IsZero() {
			acc.Batch.Add(ledger.EntryKindDepositRefund, 0, bettor, refund, poolBefore)
		}
		return acc, nil
	}

	// The stake must be settleable later: 2x the stake and the loss credit on the
	// current pool both have to fit.
	if _, err := accepted.Double(); err != nil {
		return nil, fmt.Errorf("stake: %w", err)
	}
	if !c.pool.CanCredit(accepted) {
		return nil, fmt.Errorf("stake: %w", fpmath.ErrOverflow)
	}

	if err := c.pool.Debit(accepted); err != nil {
		return nil, err
	}

	c.nextTicket++
	acc.Phase = PhaseAccepted
	acc.Ticket = c.nextTicket
	c.pending = append(c.pending, PendingBet{
		Ticket:     acc.Ticket,
		Bettor:     bettor,
		Stake:      accepted,
		AcceptedAt: block.Height,
	})

	acc.Batch.Add(ledger.EntryKindBetReserve, acc.Ticket, bettor, accepted, c.pool.Balance())
	if !refund.IsZero() {
		acc.Batch.Add(ledger.EntryKindDepositRefund, acc.Ticket, bettor, refund, c.pool.Balance())
	}
	return acc, nil
}

// Resolution is the outcome of the second half of a bet
type Resolution struct {
	Phase  Phase // PhaseResolved or one of the refund phases
	Ticket uint64
	Bettor host.AccountID
	Stake  fpmath.Amount

	// Transfer owed to the bettor: 2x stake on a win, the stake on a refund,
	// zero on a loss.
	Payout fpmath.Amount

	Event            *event.BetEvent // nil unless Resolved
	Roll             byte
	SeedBefore       []byte
	EntropyRefreshed bool
	Batch            *ledger.Batch
}

// Resolve settles a pending ticket using one byte of block entropy.
// Entropy exhaustion and an unrepresentable loss credit both refund the stake;
// Resolve never fails for a known ticket.
func (c *Contract) Resolve(ticket uint64, block host.Block) (*Resolution, error) {
	bet, ok := c.takePending(ticket)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTicket, ticket)
	}

	res := &Resolution{
		Ticket: ticket,
		Bettor: bet.Bettor,
		Stake:  bet.Stake,
		Batch:  ledger.NewBatch(block.Timestamp),
	}

	res.EntropyRefreshed = c.entropy.EnsureFresh(block.Height, block)
	res.SeedBefore = append([]byte{}, c.entropy.Seed...)

	roll, err := c.entropy.TakeByte()
	if errors.Is(err, state.ErrEntropyExhausted) {
		c.refundStake(res, PhaseRefundedNoEntropy)
		return res, nil
	}
	res.Roll = roll

	doubled, err := bet.Stake.Double()
	if err != nil {
		c.refundStake(res, PhaseRefundedOverflow)
		return res, nil
	}

	var result event.BetResult
	if c.config.WinningProba.Below(roll) {
		result = event.BetResultWin
		res.Payout = doubled
		res.Batch.Add(ledger.EntryKindPayout, ticket, bet.Bettor, doubled, c.pool.Balance())
	} else {
		if err := c.pool.Credit(doubled); err != nil {
			c.refundStake(res, PhaseRefundedOverflow)
			return res, nil
		}
		result = event.BetResultLose
		res.Batch.Add(ledger.EntryKindLossSettle, ticket, bet.Bettor, doubled, c.pool.Balance())
	}

	evt := event.NewBetEvent(bet.Bettor, result, bet.Stake, block)
	c.history.Record(evt)
	res.Event = &evt
	res.Phase = PhaseResolved
	return res, nil
}

func (c *Contract) refundStake(res *Resolution, phase Phase) {
	res.Phase = phase
	res.Payout = res.Stake
	res.Batch.Add(ledger.EntryKindStakeRefund, res.Ticket, res.Bettor, res.Stake, c.pool.Balance())
}

func (c *Contract) takePending(ticket uint64) (PendingBet, bool) {
	for i, p := range c.pending {
		if p.Ticket == ticket {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return p, true
		}
	}
	return PendingBet{}, false
}
