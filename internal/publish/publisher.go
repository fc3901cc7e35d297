// Package publish fans committed bet events out to external brokers.
// Publishing runs after commit and is best effort: a failed publish is logged
// and counted, and downstream consumers can read the Postgres history instead.
package publish

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"SimpleBet/internal/core"
	"SimpleBet/internal/event"
	"SimpleBet/internal/observability"
)

// Sink delivers one encoded envelope to a broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// Publisher drains the engine's publish channel.
type Publisher struct {
	sinks     []Sink
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPublisher(inputChan <-chan core.CoreOutput, sinks []Sink, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	return &Publisher{
		sinks:     sinks,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if out.Event == nil {
				continue
			}
			p.publish(ctx, out)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out core.CoreOutput) {
	payload, err := event.NewBetEnvelope(*out.Event).Marshal()
	if err != nil {
		p.logger.Error().Err(err).Int64("sequence", out.Sequence).Msg("marshal envelope")
		return
	}
	key := fmt.Sprintf("%s:%d", out.Event.Bettor, out.Sequence)

	for _, s := range p.sinks {
		if err := s.Publish(ctx, key, payload); err != nil {
			p.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Int64("sequence", out.Sequence).
				Msg("outbound publish failed")
			if p.metrics != nil {
				p.metrics.PublishErrors.WithLabelValues(s.Name()).Inc()
			}
			continue
		}
		if p.metrics != nil {
			p.metrics.Published.WithLabelValues(s.Name()).Inc()
		}
	}
}

// Close closes every sink, returning the first error.
func (p *Publisher) Close() error {
	var first error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", s.Name(), err)
		}
	}
	return first
}
