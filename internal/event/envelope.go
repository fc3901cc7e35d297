package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	Standard        = "simple-bet"
	StandardVersion = "1.0.0"
	KindBet         = "bet"

	// LogPrefix marks a structured event line in the call log.
	LogPrefix = "EVENT_JSON:"
)

var (
	ErrNotEventLine     = errors.New("not an EVENT_JSON line")
	ErrUnknownStandard  = errors.New("unknown event standard")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Envelope wraps emitted events for external indexers
type Envelope struct {
	Standard string     `json:"standard"`
	Version  string     `json:"version"`
	Event    string     `json:"event"`
	Data     []BetEvent `json:"data"`
}

// NewBetEnvelope wraps a single bet event.
func NewBetEnvelope(e BetEvent) Envelope {
	return Envelope{
		Standard: Standard,
		Version:  StandardVersion,
		Event:    KindBet,
		Data:     []BetEvent{e},
	}
}

// Marshal returns the JSON body without the log prefix.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// LogLine renders the envelope as it appears in the call log.
func (e Envelope) LogLine() (string, error) {
	body, err := e.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return LogPrefix + string(body), nil
}

// ParseLogLine decodes an EVENT_JSON line. Lines of other standards are rejected.
func ParseLogLine(line string) (Envelope, error) {
	body, ok := strings.CutPrefix(line, LogPrefix)
	if !ok {
		return Envelope{}, ErrNotEventLine
	}
	return Unmarshal([]byte(body))
}

// Unmarshal decodes an envelope body.
func Unmarshal(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Standard != Standard {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownStandard, env.Standard)
	}
	if env.Event != KindBet || len(env.Data) == 0 {
		return Envelope{}, fmt.Errorf("%w: event %q with %d records", ErrMalformedPayload, env.Event, len(env.Data))
	}
	return env, nil
}
