// Package events publishes domain events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AnalysisCompletedQueue is the durable queue analysis events go to.
const AnalysisCompletedQueue = "analysis.completed"

// AnalysisCompleted is emitted after an analysis has been shown and recorded.
// It carries no clinical text.
type AnalysisCompleted struct {
	User       string    `json:"user"`
	Type       string    `json:"type"`
	RiskLevel  string    `json:"risk_level"`
	Severity   string    `json:"severity"`
	Malformed  bool      `json:"malformed"`
	ImageCount int       `json:"image_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events. Callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event AnalysisCompleted) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, AnalysisCompleted) error { return nil }

// AMQPPublisher publishes persistent JSON messages on the default exchange.
type AMQPPublisher struct {
	url   string
	queue string
	dial  func(url string) (*amqp.Connection, error)
}

// NewAMQPPublisher creates a publisher for the broker at url.
func NewAMQPPublisher(url string) *AMQPPublisher {
	return &AMQPPublisher{url: url, queue: AnalysisCompletedQueue, dial: amqp.Dial}
}

// Publish opens a channel, declares the queue and sends event.
func (p *AMQPPublisher) Publish(ctx context.Context, event AnalysisCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	slog.Debug("Event published", "queue", p.queue, "user", event.User)
	return nil
}

// New returns an AMQP publisher when url is set, otherwise a NopPublisher.
func New(url string) Publisher {
	if url == "" {
		return NopPublisher{}
	}
	return NewAMQPPublisher(url)
}
