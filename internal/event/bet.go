package event

import (
	"fmt"

	"SimpleBet/internal/host"
	fpmath "SimpleBet/internal/math"
)

// BetResult is the outcome of a resolved bet
type BetResult int32

const (
	BetResultWin BetResult = iota
	BetResultLose
)

func (r BetResult) String() string {
	switch r {
	case BetResultWin:
		return "Win"
	case BetResultLose:
		return "Lose"
	default:
		return "Unknown"
	}
}

func (r BetResult) MarshalText() ([]byte, error) {
	switch r {
	case BetResultWin, BetResultLose:
		return []byte(r.String()), nil
	default:
		return nil, fmt.Errorf("unknown bet result %d", int32(r))
	}
}

func (r *BetResult) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Win":
		*r = BetResultWin
	case "Lose":
		*r = BetResultLose
	default:
		return fmt.Errorf("unknown bet result %q", text)
	}
	return nil
}

// BetEvent records one resolved bet. Immutable once created.
// Field order is part of the emitted log format.
type BetEvent struct {
	Bettor      host.AccountID `json:"bettor"`
	Result      BetResult      `json:"result"`
	Bet         fpmath.Amount  `json:"bet"`
	Timestamp   uint64         `json:"timestamp"` // block timestamp, ns
	BlockHeight uint64         `json:"block_height"`
}

// NewBetEvent stamps the event with the block it was resolved in.
func NewBetEvent(bettor host.AccountID, result BetResult, bet fpmath.Amount, block host.Block) BetEvent {
	return BetEvent{
		Bettor:      bettor,
		Result:      result,
		Bet:         bet,
		Timestamp:   block.Timestamp,
		BlockHeight: block.Height,
	}
}
