package publish

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "simplebet.events.bet"

// KafkaSink writes envelopes to a single topic, keyed by bettor and sequence.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaWriter builds the writer used by KafkaSink.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaSink(w *kafka.Writer) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, key string, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
