package host

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// TransferLog records transfers instead of moving funds. It is the default
// Transferer when no settlement backend is attached.
type TransferLog struct {
	mu        sync.Mutex
	transfers []Transfer
	logger    zerolog.Logger
}

func NewTransferLog(logger zerolog.Logger) *TransferLog {
	return &TransferLog{logger: logger}
}

func (l *TransferLog) Transfer(ctx context.Context, t Transfer) error {
	l.mu.Lock()
	l.transfers = append(l.transfers, t)
	l.mu.Unlock()

	l.logger.Info().
		Str("to", t.To.String()).
		Str("amount", t.Amount.String()).
		Str("memo", t.Memo).
		Msg("transfer")
	return nil
}

// Transfers returns a copy of every recorded transfer, oldest first.
func (l *TransferLog) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}
