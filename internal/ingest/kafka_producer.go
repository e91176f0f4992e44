package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-coordinator/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PositionMessage is the record mirrored to Kafka for every accepted sample.
type PositionMessage struct {
	TripID string `json:"trip_id"`
	models.Position
}

// KafkaProducer mirrors accepted positions to a topic keyed by trip id, so a
// trip's samples stay ordered within one partition.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishPosition(ctx context.Context, tripID string, p models.Position) error {
	b, err := json.Marshal(PositionMessage{TripID: tripID, Position: p})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(tripID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
