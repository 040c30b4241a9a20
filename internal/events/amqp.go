package events

import (
	"context"
	"fmt"
	"time"

	"expensebook/internal/log"

	"github.com/rabbitmq/amqp091-go"
)

var (
	_ SessionListener = (*AMQPPublisher)(nil)
	_ ExpenseListener = (*AMQPPublisher)(nil)
)

const publishTimeout = 5 * time.Second

// publishChannel is the part of *amqp091.Channel the publisher uses
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher forwards bus events to a durable direct exchange. Failures
// are logged and never reach the stores.
type AMQPPublisher struct {
	conn       *amqp091.Connection
	channel    publishChannel
	exchange   string
	routingKey string
	logger     *log.Logger
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange, routingKey string, logger *log.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newAMQPPublisher(channel, exchange, routingKey, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch publishChannel, exchange, routingKey string, logger *log.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.WithComponent(log.ComponentAMQP),
	}
}

func (p *AMQPPublisher) OnSessionChanged(ctx context.Context, ev SessionChanged) {
	p.publish(ctx, NewSessionMessage(ev))
}

func (p *AMQPPublisher) OnExpenseChanged(ctx context.Context, ev ExpenseChanged) {
	if !ev.Persisted {
		return
	}
	p.publish(ctx, NewExpenseMessage(ev))
}

func (p *AMQPPublisher) publish(ctx context.Context, msg *ChangeMessage) {
	body, err := msg.ToJSON()
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to marshal change message", log.FieldError, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    msg.Timestamp,
			Type:         msg.Type,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to publish change message",
			log.FieldError, err,
			"type", msg.Type,
			log.FieldExchange, p.exchange)
		return
	}

	p.logger.DebugContext(ctx, "Published change message",
		"type", msg.Type,
		log.FieldUserID, msg.UserID,
		log.FieldExchange, p.exchange,
		log.FieldRoutingKey, p.routingKey)
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
