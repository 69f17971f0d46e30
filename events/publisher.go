// Package events publishes billing domain events to RabbitMQ.
//
// Every event goes to a durable topic exchange with the event type as the
// routing key ("payment.confirmed", "period.ended", "resident.archived"), so
// consumers bind only to what they need.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warp/hostel-billing/billing"
	"go.uber.org/zap"
)

const DefaultExchange = "hostel.billing"

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher is a billing.Publisher. An amqp channel is not safe for
// concurrent publishes, so sends are serialized.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *zap.Logger
}

var _ billing.Publisher = (*Publisher)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher wraps an open channel.
func NewPublisher(ch Channel, exchange string, logger *zap.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq: declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, logger: logger}, nil
}

func (p *Publisher) Publish(ctx context.Context, ev billing.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal %s: %w", ev.Type, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt.UTC(),
		Type:         string(ev.Type),
		MessageId:    string(ev.Type) + ":" + ev.SubjectID,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, msg); err != nil {
		p.logger.Warn("event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return fmt.Errorf("rabbitmq: publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
