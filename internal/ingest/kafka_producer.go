package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/models"
)

// LocationUpdate is the wire shape published for each mechanic ping.
type LocationUpdate struct {
	MechanicID string          `json:"mechanic_id"`
	Location   models.Location `json:"location"`
	Available  bool            `json:"available"`
	Timestamp  time.Time       `json:"timestamp"`
}

// KafkaProducer publishes mechanic location updates for the locsync
// consumer to fold into the Redis GEO index.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(u LocationUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.MechanicID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
