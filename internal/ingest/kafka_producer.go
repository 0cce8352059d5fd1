// Package ingest carries operator location updates over Kafka. Operator
// apps post positions to the API, which publishes them here; the consumer
// process applies them to the operator store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

// LocationUpdate is the message body on the operator-locations topic.
type LocationUpdate struct {
	OperatorID string       `json:"operator_id"`
	Location   models.Coord `json:"location"`
	Available  *bool        `json:"available,omitempty"`
	At         time.Time    `json:"at"`
}

func (u LocationUpdate) Validate() error {
	if u.OperatorID == "" {
		return fmt.Errorf("operator_id is required")
	}
	if !geo.ValidCoord(u.Location) {
		return fmt.Errorf("location %v out of range", u.Location)
	}
	return nil
}

// Decode parses and validates one message value.
func Decode(b []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return LocationUpdate{}, fmt.Errorf("decode location update: %w", err)
	}
	if err := u.Validate(); err != nil {
		return LocationUpdate{}, err
	}
	return u, nil
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

// PublishLocation keys by operator id so one operator's updates stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.OperatorID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
