package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications keyed by booking id.
type KafkaNotifier struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaNotifier{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(n.BookingID),
		Value:   b,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(n.Kind)}},
	})
}

func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
