package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
)

type Consumer struct {
	reader *kafka.Reader
	topic  string
	log    *logger.Logger
}

// NewConsumer creates a Kafka consumer for the given topic and group.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, topic: topic, log: log}
}

// Start consumes notifications until the context is cancelled. Bad
// messages are logged and skipped.
func (c *Consumer) Start(ctx context.Context, handler func(n models.Notification)) {
	c.log.LogKafka("CONSUME", c.topic, "notification consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error reading message: %v", err))
			continue
		}

		var n models.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Failed to unmarshal notification: %v", err))
			continue
		}

		handler(n)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
