package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"ms-delivery/internal/models"
)

type Producer struct {
	Writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{Writer: writer}
}

// Publish writes one keyed message to the producer's topic.
func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

// PublishOrderEvent streams an order status transition.
func (p *Producer) PublishOrderEvent(ctx context.Context, event models.OrderEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.Publish(ctx, event.OrderID, msgBytes)
}

// PublishNotification streams a notification for the delivery worker.
func (p *Producer) PublishNotification(ctx context.Context, n models.Notification) error {
	msgBytes, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.Publish(ctx, n.Recipient, msgBytes)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
