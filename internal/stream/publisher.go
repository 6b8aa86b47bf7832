package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const exchangeName = "streaming"

// Publisher pushes result payloads to the live dashboard over RabbitMQ.
// Publishing is fire-and-forget: failures are logged and never affect a
// verdict already computed.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
}

// NewPublisherFromEnv connects to RabbitMQ using AMQP_URL and declares the
// streaming exchange.
func NewPublisherFromEnv(logger *zap.Logger) (*Publisher, error) {
	amqpURL := os.Getenv("AMQP_URL")
	if amqpURL == "" {
		return nil, fmt.Errorf("AMQP_URL is required")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: channel,
		logger:  logger,
	}, nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish sends one JSON payload to the channel named by the subject's
// routing token. Errors are logged, not returned.
func (p *Publisher) Publish(channel string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("stream publish marshal failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(ctx, exchangeName, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.New().String(),
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		p.logger.Warn("stream publish failed", zap.String("channel", channel), zap.Error(err))
	}
}
