package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Sink forwards events outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	Close() error
}

// RedisSink publishes each event on the pub/sub channel batch:events:<jobId>.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, prefix: "batch:events:"}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Channel(jobID string) string { return s.prefix + jobID }

func (s *RedisSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, s.Channel(ev.JobID), body).Err()
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisSink) Close() error { return nil }

// AMQPSink publishes each event to a topic exchange with routing key batch.<type>.
type AMQPSink struct {
	channel  *amqp.Channel
	exchange string
}

func NewAMQPSink(conn *amqp.Connection, exchange string) (*AMQPSink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPSink{channel: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func RoutingKey(t Type) string { return "batch." + string(t) }

func (s *AMQPSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.channel.PublishWithContext(ctx,
		s.exchange,
		RoutingKey(ev.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    fmt.Sprintf("%s-%d", ev.JobID, ev.Seq),
			Timestamp:    ev.At,
			Body:         body,
		},
	)
}

func (s *AMQPSink) Close() error {
	return s.channel.Close()
}
