// Package events publishes conversation lifecycle facts to a topic exchange
// so downstream workflow consumers (bot pipelines, channel bridges) can react
// without polling the API.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID         string      `json:"id"`
	Key        string      `json:"key"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, payload interface{}) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *logrus.Logger
}

// NewPublisher connects to RabbitMQ and declares a durable topic exchange.
func NewPublisher(url, exchange string, logger *logrus.Logger) (Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &rmqPublisher{conn: conn, exchange: exchange, logger: logger}, nil
}

func (p *rmqPublisher) Publish(ctx context.Context, key string, payload interface{}) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	env := Envelope{
		ID:         uuid.NewString(),
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.OccurredAt,
		Body:         body,
	})
	if err == nil {
		p.logger.WithFields(logrus.Fields{
			"key":      key,
			"exchange": p.exchange,
		}).Debug("Event published")
	}
	return err
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}

// DialWithRetry connects with exponential backoff, respecting ctx so startup
// can be cancelled cleanly.
func DialWithRetry(ctx context.Context, url, exchange string, attempts int, delay time.Duration, logger *logrus.Logger) (Publisher, error) {
	const maxDelay = 60 * time.Second

	var lastErr error
	sleep := delay
	for i := 1; i <= attempts; i++ {
		pub, err := NewPublisher(url, exchange, logger)
		if err == nil {
			if i > 1 {
				logger.Infof("RabbitMQ connected on attempt %d", i)
			}
			return pub, nil
		}
		lastErr = err
		logger.Warnf("RabbitMQ dial failed (attempt %d): %v", i, err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		sleep *= 2
		if sleep > maxDelay {
			sleep = maxDelay
		}
	}
	return nil, lastErr
}

// NoopPublisher is used when no broker URL is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, interface{}) error { return nil }
func (NoopPublisher) Close() error                                       { return nil }
