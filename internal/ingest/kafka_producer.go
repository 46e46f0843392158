// Package ingest moves ride and driver events through Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RideEventMessage is the payload written to the ride events topic.
type RideEventMessage struct {
	Event         models.TimelineEvent `json:"event"`
	RideStatus    models.RideStatus    `json:"ride_status"`
	RiderID       string               `json:"rider_id"`
	DriverID      string               `json:"driver_id,omitempty"`
	PaymentStatus models.PaymentStatus `json:"payment_status,omitempty"`
}

// KafkaProducer publishes ride timeline events keyed by ride id, so every
// event of one ride lands on the same partition in order.
type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return NewKafkaProducerWithWriter(w)
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishRideEvent implements lifecycle.Publisher.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ride models.Ride, ev models.TimelineEvent) error {
	b, err := json.Marshal(RideEventMessage{
		Event:         ev,
		RideStatus:    ride.Status,
		RiderID:       ride.RiderID,
		DriverID:      ride.DriverID,
		PaymentStatus: ride.PaymentStatus,
	})
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Key: []byte(ride.ID), Value: b})
}

// PublishHeartbeat writes a driver heartbeat keyed by driver id.
func (k *KafkaProducer) PublishHeartbeat(ctx context.Context, hb HeartbeatMessage) error {
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Key: []byte(hb.DriverID), Value: b})
}

func (k *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
