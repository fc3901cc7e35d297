package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"SimpleBet/internal/core"
	"SimpleBet/internal/observability"
)

// BatchFlusher writes one batch of history rows atomically.
type BatchFlusher interface {
	Flush(ctx context.Context, events []EventRow, entries []EntryRow) error
}

// Flush writes events and entries in a single transaction.
func (w *HistoryWriter) Flush(ctx context.Context, events []EventRow, entries []EntryRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &flushError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return &flushError{stage: "write_events", err: err}
	}
	if err := w.WriteEntryBatch(ctx, tx, entries); err != nil {
		return &flushError{stage: "write_entries", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &flushError{stage: "tx_commit", err: err}
	}
	return nil
}

type flushError struct {
	stage string
	err   error
}

func (e *flushError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *flushError) Unwrap() error { return e.err }

func errorStage(err error) string {
	if fe, ok := err.(*flushError); ok {
		return fe.stage
	}
	return "flush"
}

// PersistenceWorker drains the persist channel and batch-writes history rows.
// The engine sends on the persist channel with blocking sends, so a slow
// worker stalls the engine rather than losing outputs.
type PersistenceWorker struct {
	flusher      BatchFlusher
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	flusher BatchFlusher,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		flusher:      flusher,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
}

// NewPostgresWorker wires a HistoryWriter over db.
func NewPostgresWorker(
	db *sql.DB,
	contractID string,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return NewPersistenceWorker(NewHistoryWriter(db, contractID), inputChan, batchSize, flushTimeout, metrics, logger)
}

type pendingBatch struct {
	outputs int
	lastSeq int64
	events  []EventRow
	entries []EntryRow
}

func (b *pendingBatch) reset() {
	b.outputs = 0
	b.events = b.events[:0]
	b.entries = b.entries[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{
		events:  make([]EventRow, 0, pw.batchSize),
		entries: make([]EntryRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch.outputs > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.outputs > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			events, entries, err := RowsFromOutput(output)
			if err != nil {
				pw.logger.Error().Err(err).Int64("sequence", output.Sequence).Msg("skipping unencodable output")
				pw.countError("encode")
				continue
			}
			batch.outputs++
			batch.lastSeq = output.Sequence
			batch.events = append(batch.events, events...)
			batch.entries = append(batch.entries, entries...)

			if batch.outputs >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.outputs > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, in which case one last attempt runs on a fresh context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch.events)).
				Int("entries", len(batch.entries)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.countError("retry")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()

	if err := pw.flusher.Flush(ctx, batch.events, batch.entries); err != nil {
		pw.countError(errorStage(err))
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(batch.outputs))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistEntriesWritten.Add(float64(len(batch.entries)))
		pw.metrics.PersistLastSequence.Set(float64(batch.lastSeq))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
