package publish_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"SimpleBet/internal/core"
	"SimpleBet/internal/event"
	"SimpleBet/internal/host"
	fpmath "SimpleBet/internal/math"
	"SimpleBet/internal/observability"
	"SimpleBet/internal/publish"
)

type message struct {
	key     string
	payload []byte
}

type fakeSink struct {
	name   string
	fail   bool
	mu     sync.Mutex
	msgs   []message
	closed bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(ctx context.Context, key string, payload []byte) error {
	if s.fail {
		return errors.New("broker unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message{key: key, payload: payload})
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func betOutput(seq int64, result event.BetResult) core.CoreOutput {
	evt := event.NewBetEvent("bob.near", result, fpmath.NewAmount(500), host.Block{Height: 9, Timestamp: 1})
	return core.CoreOutput{Op: "resolve", Sequence: seq, Event: &evt}
}

func TestPublisher_FansOutEvents(t *testing.T) {
	good := &fakeSink{name: "nats"}
	bad := &fakeSink{name: "kafka", fail: true}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	in := make(chan core.CoreOutput, 4)
	in <- betOutput(5, event.BetResultWin)
	in <- core.CoreOutput{Op: "top_up", Sequence: 6} // no event, skipped
	in <- betOutput(7, event.BetResultLose)
	close(in)

	p := publish.NewPublisher(in, []publish.Sink{good, bad}, metrics, zerolog.Nop())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(good.msgs) != 2 {
		t.Fatalf("published: got %d, want 2", len(good.msgs))
	}
	if good.msgs[0].key != "bob.near:5" {
		t.Errorf("key: got %q", good.msgs[0].key)
	}

	env, err := event.Unmarshal(good.msgs[1].payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Data[0].Result != event.BetResultLose {
		t.Errorf("result: got %v", env.Data[0].Result)
	}

	if got := testutil.ToFloat64(metrics.Published.WithLabelValues("nats")); got != 2 {
		t.Errorf("published metric: got %v", got)
	}
	if got := testutil.ToFloat64(metrics.PublishErrors.WithLabelValues("kafka")); got != 2 {
		t.Errorf("error metric: got %v", got)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !good.closed || !bad.closed {
		t.Error("sinks not closed")
	}
}

func TestPublisher_StopsOnCancel(t *testing.T) {
	in := make(chan core.CoreOutput)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := publish.NewPublisher(in, nil, nil, zerolog.Nop())
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
