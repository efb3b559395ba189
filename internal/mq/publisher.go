// Package mq publishes auction lifecycle events to a RabbitMQ topic
// exchange. The routing key is the event type, e.g. "auction.ended".
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/event"
)

const publishTimeout = 5 * time.Second

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Subscriber hands out event feeds.
type Subscriber interface {
	Subscribe(topic string) (<-chan event.Event, func())
}

// Publisher writes events to an exchange.
type Publisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Dial connects to the broker and declares a durable topic exchange.
func Dial(cfg config.EventsConfig, logger *slog.Logger, tp trace.TracerProvider) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := NewPublisher(ch, cfg.Exchange, logger, tp)
	p.conn = conn
	return p, nil
}

// NewPublisher returns a Publisher writing to exchange over ch.
func NewPublisher(ch Channel, exchange string, logger *slog.Logger, tp trace.TracerProvider) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctiond/internal/mq"),
	}
}

// Publish sends e as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	ctx, span := p.tracer.Start(ctx, "Publisher.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", p.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", string(e.Type)),
		),
	)
	defer span.End()

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Type:         string(e.Type),
		Body:         body,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	return nil
}

// Forward publishes every event from the feed until ctx is canceled.
// Failed publishes are logged and dropped. If the feed evicts the
// publisher for falling behind it subscribes again.
func (p *Publisher) Forward(ctx context.Context, sub Subscriber, topic string) {
	for ctx.Err() == nil {
		events, cancel := sub.Subscribe(topic)
		p.drain(ctx, events)
		cancel()
		if ctx.Err() == nil {
			p.logger.WarnContext(ctx, "event feed dropped the broker publisher, resubscribing")
		}
	}
}

func (p *Publisher) drain(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := p.Publish(pctx, e); err != nil {
				p.logger.ErrorContext(ctx, "failed to publish event",
					slog.String("type", string(e.Type)),
					slog.String("aggregate_id", e.AggregateID),
					slog.Any("error", err),
				)
			}
			cancel()
		}
	}
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
