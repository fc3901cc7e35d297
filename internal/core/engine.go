package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SimpleBet/internal/event"
	"SimpleBet/internal/host"
	"SimpleBet/internal/ledger"
	fpmath "SimpleBet/internal/math"
	"SimpleBet/internal/observability"
)

const (
	callBufferSize = 64

	resolveRetryBase = 100 * time.Millisecond
	resolveRetryMax  = 30 * time.Second
)

// CoreOutput is emitted after every committed call that moved value or
// produced an event.
type CoreOutput struct {
	Op        string
	Sequence  int64
	StateHash [32]byte
	Batch     *ledger.Batch
	Event     *event.BetEvent
}

// BetReceipt is what a bettor gets back from PlaceBet. Resolution is nil when
// the bet was refunded at acceptance or the caller stopped waiting.
type BetReceipt struct {
	Acceptance *Acceptance
	Resolution *Resolution
}

type resolveResult struct {
	res *Resolution
	err error
}

// Engine runs contract calls one at a time on a single goroutine.
// Every call loads the latest state record, mutates the contract and stores a
// new hash-chained record. Bet resolution runs as a continuation queued behind
// the accepting call and ahead of any new call.
type Engine struct {
	store      StateStore
	chain      host.Chain
	transferer host.Transferer
	auth       Authorizer
	metrics    *observability.Metrics
	logger     zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput

	calls         chan func(context.Context)
	continuations []func(context.Context) // loop goroutine only
	head          *chainHead              // loop goroutine only
	stopped       chan struct{}
}

// chainHead is the latest record this engine committed or verified.
type chainHead struct {
	sequence int64
	hash     [32]byte
}

func NewEngine(
	store StateStore,
	chain host.Chain,
	transferer host.Transferer,
	auth Authorizer,
	persistChan, publishChan chan<- CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		store:       store,
		chain:       chain,
		transferer:  transferer,
		auth:        auth,
		metrics:     metrics,
		logger:      logger,
		persistChan: persistChan,
		publishChan: publishChan,
		calls:       make(chan func(context.Context), callBufferSize),
		stopped:     make(chan struct{}),
	}
}

// Run executes calls until ctx is cancelled. Queued continuations are not run
// after cancellation; their tickets stay pending in state for Recover.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	for {
		if len(e.continuations) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			next := e.continuations[0]
			e.continuations = e.continuations[1:]
			e.setContinuationGauge()
			next(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case call := <-e.calls:
			call(ctx)
		}
	}
}

type callResult[T any] struct {
	v   T
	err error
}

// submit runs fn on the engine loop and waits for its result. If the caller
// gives up, fn still runs to completion against the engine's context.
func submit[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	done := make(chan callResult[T], 1)

	call := func(runCtx context.Context) {
		start := time.Now()
		v, err := fn(runCtx)
		e.observeCall(op, start, err)
		done <- callResult[T]{v: v, err: err}
	}

	select {
	case e.calls <- call:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.stopped:
		return zero, ErrEngineStopped
	}

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.stopped:
		select {
		case r := <-done:
			return r.v, r.err
		default:
			return zero, ErrEngineStopped
		}
	}
}

// --- Privileged operations ---

// Initialize creates the contract with an empty pool. Refused if any state,
// current or legacy, already exists.
func (e *Engine) Initialize(ctx context.Context, caller host.AccountID, cfg Config) error {
	_, err := submit(ctx, e, "initialize", func(ctx context.Context) (struct{}, error) {
		if err := e.auth.Authorize(caller, OpInitialize); err != nil {
			return struct{}{}, err
		}
		rec, err := e.loadRecord(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if rec != nil {
			return struct{}{}, ErrAlreadyInitialized
		}

		c, err := NewContract(cfg, e.chain.Current())
		if err != nil {
			return struct{}{}, err
		}
		if _, err := e.commit(ctx, nil, c, "initialize", fpmath.ZeroAmount, nil, nil); err != nil {
			return struct{}{}, err
		}

		e.logger.Info().
			Str("max_bet_ratio", cfg.MaxBetRatio.String()).
			Str("winning_proba", cfg.WinningProba.String()).
			Msg("contract initialized")
		return struct{}{}, nil
	})
	return err
}

func (e *Engine) SetMaxBetRatio(ctx context.Context, caller host.AccountID, f fpmath.Fraction) error {
	return e.update(ctx, caller, OpSetMaxBetRatio, func(c *Contract) error {
		return c.SetMaxBetRatio(f)
	})
}

func (e *Engine) SetWinningProba(ctx context.Context, caller host.AccountID, f fpmath.Fraction) error {
	return e.update(ctx, caller, OpSetWinningProba, func(c *Contract) error {
		return c.SetWinningProba(f)
	})
}

func (e *Engine) update(ctx context.Context, caller host.AccountID, op Operation, mutate func(c *Contract) error) error {
	_, err := submit(ctx, e, string(op), func(ctx context.Context) (struct{}, error) {
		if err := e.auth.Authorize(caller, op); err != nil {
			return struct{}{}, err
		}
		prev, c, err := e.load(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if err := mutate(c); err != nil {
			return struct{}{}, err
		}
		_, err = e.commit(ctx, prev, c, string(op), c.Pool(), nil, nil)
		return struct{}{}, err
	})
	return err
}

// Migrate upgrades a legacy state record in place.
func (e *Engine) Migrate(ctx context.Context, caller host.AccountID) error {
	_, err := submit(ctx, e, "migrate", func(ctx context.Context) (struct{}, error) {
		if err := e.auth.Authorize(caller, OpMigrate); err != nil {
			return struct{}{}, err
		}
		rec, err := e.loadRecord(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if rec == nil {
			return struct{}{}, ErrNoState
		}
		if rec.Version >= SchemaVersion {
			return struct{}{}, ErrAlreadyMigrated
		}

		c, err := MigrateState(rec.Data, e.chain.Current())
		if err != nil {
			return struct{}{}, err
		}
		if _, err := e.commit(ctx, rec, c, "migrate", c.Pool(), nil, nil); err != nil {
			return struct{}{}, err
		}

		e.logger.Info().
			Int64("from_sequence", rec.Sequence).
			Str("pool", c.Pool().String()).
			Msg("state migrated to current schema")
		return struct{}{}, nil
	})
	return err
}

// --- Value operations ---

// TopUp credits the pool and returns the new balance.
func (e *Engine) TopUp(ctx context.Context, depositor host.AccountID, amount fpmath.Amount) (fpmath.Amount, error) {
	return submit(ctx, e, "top_up", func(ctx context.Context) (fpmath.Amount, error) {
		prev, c, err := e.load(ctx)
		if err != nil {
			return fpmath.Amount{}, err
		}
		poolBefore := c.Pool()
		batch, err := c.TopUp(depositor, amount, e.chain.Current())
		if err != nil {
			return fpmath.Amount{}, err
		}
		if _, err := e.commit(ctx, prev, c, "top_up", poolBefore, batch, nil); err != nil {
			return fpmath.Amount{}, err
		}
		return c.Pool(), nil
	})
}

// PlaceBet accepts a bet and waits for its resolution.
func (e *Engine) PlaceBet(ctx context.Context, bettor host.AccountID, deposit fpmath.Amount) (*BetReceipt, error) {
	resolved := make(chan resolveResult, 1)

	acc, err := submit(ctx, e, "bet", func(ctx context.Context) (*Acceptance, error) {
		return e.accept(ctx, bettor, deposit, resolved)
	})
	if err != nil {
		return nil, err
	}

	receipt := &BetReceipt{Acceptance: acc}
	if acc.Phase != PhaseAccepted {
		return receipt, nil
	}

	select {
	case r := <-resolved:
		if r.err != nil {
			return receipt, fmt.Errorf("resolve ticket %d: %w", acc.Ticket, r.err)
		}
		receipt.Resolution = r.res
		return receipt, nil
	case <-ctx.Done():
		return receipt, nil
	case <-e.stopped:
		return receipt, nil
	}
}

func (e *Engine) accept(ctx context.Context, bettor host.AccountID, deposit fpmath.Amount, notify chan<- resolveResult) (*Acceptance, error) {
	prev, c, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	poolBefore := c.Pool()
	acc, err := c.Accept(bettor, deposit, e.chain.Current())
	if err != nil {
		return nil, err
	}
	if _, err := e.commit(ctx, prev, c, "bet", poolBefore, acc.Batch, nil); err != nil {
		return nil, err
	}
	e.countBet(acc.Phase)

	if acc.Phase == PhaseRefunded {
		e.logger.Info().Str("bettor", bettor.String()).Str("deposit", deposit.String()).
			Msg("Current bet is 0, refunding the deposit.")
		e.transfer(ctx, bettor, acc.Refund, ledger.EntryKindDepositRefund.String())
		return acc, nil
	}

	if !acc.Refund.IsZero() {
		e.logger.Info().Str("bettor", bettor.String()).Uint64("ticket", acc.Ticket).
			Msgf("Refund balance %s", acc.Refund)
		e.transfer(ctx, bettor, acc.Refund, ledger.EntryKindDepositRefund.String())
	}

	e.enqueueResolve(acc.Ticket, notify)
	return acc, nil
}

func (e *Engine) enqueueResolve(ticket uint64, notify chan<- resolveResult) {
	e.enqueueResolveAttempt(ticket, notify, 0)
}

func (e *Engine) enqueueResolveAttempt(ticket uint64, notify chan<- resolveResult, attempt int) {
	e.continuations = append(e.continuations, func(ctx context.Context) {
		res, err := e.resolve(ctx, ticket)
		if err != nil && retryableResolve(ctx, err) {
			delay := resolveBackoff(attempt)
			e.logger.Warn().Err(err).Uint64("ticket", ticket).Int("attempt", attempt+1).
				Dur("retry_in", delay).Msg("resolution failed, retrying")
			e.retryResolve(ctx, ticket, notify, attempt+1, delay)
			return
		}
		if err != nil {
			e.logger.Error().Err(err).Uint64("ticket", ticket).
				Msg("resolution failed, ticket stays pending until recovery")
		}
		if notify != nil {
			notify <- resolveResult{res: res, err: err}
		}
	})
	e.setContinuationGauge()
}

// retryResolve puts the ticket back on the loop after delay. The waiter, if
// any, keeps waiting for the retried attempt.
func (e *Engine) retryResolve(ctx context.Context, ticket uint64, notify chan<- resolveResult, attempt int, delay time.Duration) {
	if e.metrics != nil {
		e.metrics.ResolveRetries.Inc()
	}
	time.AfterFunc(delay, func() {
		requeue := func(context.Context) { e.enqueueResolveAttempt(ticket, notify, attempt) }
		select {
		case e.calls <- requeue:
		case <-ctx.Done():
		case <-e.stopped:
		}
	})
}

// retryableResolve reports whether a failed resolution may succeed later.
// Cancellation is left to Recover on the next start.
func retryableResolve(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, permanent := range []error{
		ErrUnknownTicket,
		ErrNotInitialized,
		ErrLegacySchema,
		ErrUnsupportedSchema,
		ErrStateHashMismatch,
		ErrCorruptState,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

func resolveBackoff(attempt int) time.Duration {
	delay := resolveRetryBase
	for i := 0; i < attempt && delay < resolveRetryMax; i++ {
		delay *= 2
	}
	if delay > resolveRetryMax {
		delay = resolveRetryMax
	}
	return delay
}

func (e *Engine) resolve(ctx context.Context, ticket uint64) (*Resolution, error) {
	start := time.Now()

	prev, c, err := e.load(ctx)
	if err != nil {
		e.observeCall("resolve", start, err)
		return nil, err
	}

	poolBefore := c.Pool()
	res, err := c.Resolve(ticket, e.chain.Current())
	if err != nil {
		e.observeCall("resolve", start, err)
		return nil, err
	}

	e.logger.Debug().Uint64("ticket", ticket).Hex("seed", res.SeedBefore).
		Bool("refreshed", res.EntropyRefreshed).Msg("Seed")

	rec, err := e.commit(ctx, prev, c, "resolve", poolBefore, res.Batch, res.Event)
	if err != nil {
		e.observeCall("resolve", start, err)
		return nil, err
	}

	switch res.Phase {
	case PhaseResolved:
		line, err := event.NewBetEnvelope(*res.Event).LogLine()
		if err != nil {
			e.logger.Error().Err(err).Uint64("ticket", ticket).Msg("render event line")
		} else {
			e.logger.Info().Int64("sequence", rec.Sequence).Msg(line)
		}
		if res.Event.Result == event.BetResultWin {
			e.transfer(ctx, res.Bettor, res.Payout, ledger.EntryKindPayout.String())
		}
	case PhaseRefundedNoEntropy:
		e.logger.Warn().Str("bettor", res.Bettor.String()).Uint64("ticket", ticket).
			Msg("Not enough entropy to play, refunding the deposit.")
		e.transfer(ctx, res.Bettor, res.Payout, ledger.EntryKindStakeRefund.String())
	case PhaseRefundedOverflow:
		e.logger.Error().Str("bettor", res.Bettor.String()).Uint64("ticket", ticket).
			Str("stake", res.Stake.String()).Msg("settlement overflows the pool, refunding the stake")
		e.transfer(ctx, res.Bettor, res.Payout, ledger.EntryKindStakeRefund.String())
	}

	if e.metrics != nil {
		if res.EntropyRefreshed {
			e.metrics.EntropyRefreshes.Inc()
		}
		if res.Event != nil {
			e.metrics.BetResults.WithLabelValues(res.Event.Result.String()).Inc()
		}
		e.metrics.EventsEvicted.Add(float64(c.history.Evictions()))
	}
	e.countBet(res.Phase)
	e.observeCall("resolve", start, nil)
	return res, nil
}

// Recover queues resolution of every ticket left pending by a previous run.
// Must be called once Run is running.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return submit(ctx, e, "recover", func(ctx context.Context) (int, error) {
		_, c, err := e.load(ctx)
		if errors.Is(err, ErrNotInitialized) || errors.Is(err, ErrLegacySchema) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		pending := c.Pending()
		for _, p := range pending {
			e.logger.Info().Uint64("ticket", p.Ticket).Str("bettor", p.Bettor.String()).
				Msg("recovering pending bet")
			e.enqueueResolve(p.Ticket, nil)
		}
		return len(pending), nil
	})
}

// --- Views ---

func (e *Engine) Pool(ctx context.Context) (fpmath.Amount, error) {
	return view(ctx, e, "pool", func(c *Contract) fpmath.Amount { return c.Pool() })
}

func (e *Engine) Config(ctx context.Context) (Config, error) {
	return view(ctx, e, "config", func(c *Contract) Config { return c.Config() })
}

// RecentEvents returns at most 32 events, most recent last.
func (e *Engine) RecentEvents(ctx context.Context) ([]event.BetEvent, error) {
	return view(ctx, e, "events", func(c *Contract) []event.BetEvent { return c.RecentEvents() })
}

func (e *Engine) Pending(ctx context.Context) ([]PendingBet, error) {
	return view(ctx, e, "pending", func(c *Contract) []PendingBet { return c.Pending() })
}

func view[T any](ctx context.Context, e *Engine, op string, read func(c *Contract) T) (T, error) {
	return submit(ctx, e, op, func(ctx context.Context) (T, error) {
		var zero T
		_, c, err := e.load(ctx)
		if err != nil {
			return zero, err
		}
		return read(c), nil
	})
}

// --- State record handling ---

func (e *Engine) loadRecord(ctx context.Context) (*VersionedState, error) {
	rec, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return rec, nil
}

func (e *Engine) load(ctx context.Context) (*VersionedState, *Contract, error) {
	rec, err := e.loadRecord(ctx)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, ErrNotInitialized
	}
	switch {
	case rec.Version < SchemaVersion:
		return nil, nil, ErrLegacySchema
	case rec.Version > SchemaVersion:
		return nil, nil, fmt.Errorf("%w: record version %d", ErrUnsupportedSchema, rec.Version)
	}
	if err := VerifyRecord(rec); err != nil {
		return nil, nil, err
	}
	if err := e.checkLink(rec); err != nil {
		return nil, nil, err
	}

	st, err := DecodeState(rec.Data)
	if err != nil {
		return nil, nil, err
	}
	c, err := FromState(st)
	if err != nil {
		return nil, nil, err
	}
	return rec, c, nil
}

// checkLink ties a loaded record to the head this engine last saw. The loaded
// record must be that head, or its direct successor (a save that landed but
// reported an error). Before the first load there is nothing to link to.
func (e *Engine) checkLink(rec *VersionedState) error {
	if e.head != nil {
		switch rec.Sequence {
		case e.head.sequence:
			if rec.StateHash != e.head.hash {
				return fmt.Errorf("%w: sequence %d was replaced", ErrStateHashMismatch, rec.Sequence)
			}
		case e.head.sequence + 1:
			if rec.PrevHash != e.head.hash {
				return fmt.Errorf("%w: sequence %d does not extend %d", ErrStateHashMismatch, rec.Sequence, e.head.sequence)
			}
		default:
			return fmt.Errorf("%w: head at sequence %d, store returned %d", ErrStateHashMismatch, e.head.sequence, rec.Sequence)
		}
	}
	e.head = &chainHead{sequence: rec.Sequence, hash: rec.StateHash}
	return nil
}

// commit stores the contract as the record after prev and emits the call's output.
func (e *Engine) commit(
	ctx context.Context,
	prev *VersionedState,
	c *Contract,
	op string,
	poolBefore fpmath.Amount,
	batch *ledger.Batch,
	evt *event.BetEvent,
) (*VersionedState, error) {
	if batch != nil {
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
		if err := batch.ValidatePoolChain(poolBefore); err != nil {
			panic(fmt.Sprintf("FATAL: pool chain broken: %v", err))
		}
	}

	data, err := c.Snapshot().Encode()
	if err != nil {
		return nil, err
	}

	sequence := int64(1)
	tip := GenesisHash()
	if prev != nil {
		sequence = prev.Sequence + 1
		tip = prev.StateHash
	}

	hashStart := time.Now()
	stateHash := ResumeStateHasher(tip).ComputeHash(sequence, data)
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	rec := VersionedState{
		Version:   SchemaVersion,
		Sequence:  sequence,
		Data:      data,
		StateHash: stateHash,
		PrevHash:  tip,
	}
	if err := e.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	e.head = &chainHead{sequence: sequence, hash: stateHash}

	e.observeState(c, sequence)

	if batch != nil {
		batch.Sequence = sequence
	}
	if (batch != nil && len(batch.Entries) > 0) || evt != nil {
		e.emit(CoreOutput{
			Op:        op,
			Sequence:  sequence,
			StateHash: stateHash,
			Batch:     batch,
			Event:     evt,
		})
	}
	return &rec, nil
}

// emit sends to the persist channel with a blocking send (backpressure) and to
// the publish channel with a non-blocking send that drops on full.
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.publishChan != nil && out.Event != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// transfer runs after commit; a failure is logged and counted but cannot undo state.
func (e *Engine) transfer(ctx context.Context, to host.AccountID, amount fpmath.Amount, memo string) {
	if amount.IsZero() {
		return
	}
	if err := e.transferer.Transfer(ctx, host.Transfer{To: to, Amount: amount, Memo: memo}); err != nil {
		e.logger.Error().Err(err).
			Str("to", to.String()).
			Str("amount", amount.String()).
			Str("memo", memo).
			Msg("transfer failed")
		if e.metrics != nil {
			e.metrics.TransferErrors.WithLabelValues(memo).Inc()
		}
	}
}

// --- Metrics ---

func (e *Engine) observeCall(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.CallsTotal.WithLabelValues(op, status).Inc()
	e.metrics.CallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (e *Engine) observeState(c *Contract, sequence int64) {
	if e.metrics == nil {
		return
	}
	e.metrics.StateSequence.Set(float64(sequence))
	observability.SetBigGauge(e.metrics.PoolBalance, c.Pool().Big())
	e.metrics.PendingTickets.Set(float64(len(c.pending)))
	e.metrics.EntropyRemaining.Set(float64(c.EntropyRemaining()))
}

func (e *Engine) countBet(phase Phase) {
	if e.metrics != nil {
		e.metrics.BetsTotal.WithLabelValues(phase.String()).Inc()
	}
}

func (e *Engine) setContinuationGauge() {
	if e.metrics != nil {
		e.metrics.Continuations.Set(float64(len(e.continuations)))
	}
}
