package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/models"
)

type eventRecord struct {
	Channel string       `json:"channel"`
	Event   models.Event `json:"event"`
}

// KafkaEventLog appends every published event to a Kafka topic. Records are
// keyed by request or operator id so per-channel ordering survives partitioning.
type KafkaEventLog struct {
	writer *kafka.Writer
}

func NewKafkaEventLog(brokers []string, topic string) *KafkaEventLog {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaEventLog{writer: w}
}

func (k *KafkaEventLog) Record(ctx context.Context, group string, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(eventRecord{Channel: group, Event: ev})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(group), Value: b})
}

func (k *KafkaEventLog) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
