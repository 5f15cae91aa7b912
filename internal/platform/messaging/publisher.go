package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	ExchangeName = "companion.events"
	ExchangeType = "topic"
)

// EventPublisher is what domain services depend on.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event Event) error
}

// Publisher publishes JSON events to a durable topic exchange. A nil
// *Publisher accepts and drops every event.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  zerolog.Logger
}

var _ EventPublisher = (*Publisher)(nil)

// NewPublisher dials url and declares the exchange. An empty url disables
// publishing and returns a nil publisher.
func NewPublisher(rawURL string, logger zerolog.Logger) (*Publisher, error) {
	if rawURL == "" {
		logger.Info().Msg("RABBITMQ_URL not set, domain events disabled")
		return nil, nil
	}

	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq at %s: %w", redactURL(rawURL), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(ExchangeName, ExchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", ExchangeName, err)
	}

	logger.Info().Str("exchange", ExchangeName).Str("url", redactURL(rawURL)).Msg("connected to rabbitmq")
	return &Publisher{conn: conn, channel: ch, logger: logger}, nil
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, event Event) error {
	if p == nil || p.channel == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", routingKey, err)
	}

	err = p.channel.PublishWithContext(ctx, ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    event.EventID,
		AppId:        ServiceName,
	})
	if err != nil {
		return fmt.Errorf("publish event to %s: %w", routingKey, err)
	}
	p.logger.Debug().Str("routing_key", routingKey).Str("event_id", event.EventID).Msg("event published")
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("close rabbitmq channel")
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
