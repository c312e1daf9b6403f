package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// DefaultPublishTimeout bounds a single publish, reconnect included.
const DefaultPublishTimeout = 5 * time.Second

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.
type dialFunc func(url, exchange string) (amqpChannel, io.Closer, error)

// RabbitMQPublisher publishes events to a RabbitMQ topic exchange. A channel
// or connection that the broker closes is redialed on the next publish.
type RabbitMQPublisher struct {
	url      string
	exchange string
	logger   membership.Logger
	timeout  time.Duration
	dial     dialFunc

	mu      sync.Mutex
	conn    io.Closer
	channel amqpChannel
	closed  chan *amqp.Error
	shut    bool
}

// NewRabbitMQPublisher connects to url and declares ExchangeName.
func NewRabbitMQPublisher(url string, logger membership.Logger) (*RabbitMQPublisher, error) {
	return newRabbitMQPublisher(url, logger, dialRabbitMQ)
}

func newRabbitMQPublisher(url string, logger membership.Logger, dial dialFunc) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = &membership.NoopLogger{}
	}

	p := &RabbitMQPublisher{
		url:      url,
		exchange: ExchangeName,
		logger:   logger,
		timeout:  DefaultPublishTimeout,
		dial:     dial,
	}
	if err := p.connect(); err != nil {
		return nil, err
	}

	logger.Info("RabbitMQ publisher connected", membership.Field{Key: "exchange", Value: p.exchange})
	return p, nil
}

func dialRabbitMQ(url, exchange string) (amqpChannel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return ch, conn, nil
}

// connect dials a fresh channel. Callers hold mu or own p exclusively.
func (p *RabbitMQPublisher) connect() error {
	ch, conn, err := p.dial(p.url, p.exchange)
	if err != nil {
		return err
	}
	p.channel = ch
	p.conn = conn
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// ensureChannel redials when the broker has closed the current channel.
func (p *RabbitMQPublisher) ensureChannel() error {
	if p.shut {
		return ErrPublisherClosed
	}
	if p.channel != nil {
		select {
		case reason, ok := <-p.closed:
			p.logger.Warn("RabbitMQ channel closed, reconnecting",
				membership.Field{Key: "reason", Value: closeReason(reason, ok)})
			p.teardown()
		default:
			if !p.channel.IsClosed() {
				return nil
			}
			p.teardown()
		}
	}
	return p.connect()
}

func (p *RabbitMQPublisher) teardown() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.channel, p.conn, p.closed = nil, nil, nil
}

func closeReason(reason *amqp.Error, ok bool) string {
	if !ok || reason == nil {
		return "closed"
	}
	return reason.Error()
}

// Publish sends payload to the exchange with the given routing key. The
// publish is detached from ctx cancellation and bounded by the publish
// timeout, so a caller that goes away does not drop the event.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = p.ensureChannel(); err != nil {
			break
		}
		err = p.channel.PublishWithContext(ctx,
			p.exchange, // exchange
			routingKey, // routing key
			false,      // mandatory
			false,      // immediate
			msg,
		)
		if !errors.Is(err, amqp.ErrClosed) {
			break
		}
		p.teardown()
	}
	if err != nil {
		p.logger.Error("failed to publish message",
			membership.Field{Key: "routing_key", Value: routingKey},
			membership.Field{Key: "error", Value: err})
		return err
	}

	p.logger.Debug("message published",
		membership.Field{Key: "routing_key", Value: routingKey},
		membership.Field{Key: "size", Value: len(payload)})
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shut {
		return nil
	}
	p.shut = true

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", membership.Field{Key: "error", Value: err})
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	p.channel, p.conn, p.closed = nil, nil, nil

	p.logger.Info("RabbitMQ publisher closed")
	return nil
}
