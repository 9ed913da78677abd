// Package events carries check-in change notifications from the relay to
// host machines over a RabbitMQ fanout exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/logger"
	amqp "github.com/rabbitmq/amqp091-go"

	"raffle/internal/models"
)

// DefaultExchange is the fanout exchange check-in events are published on.
const DefaultExchange = "raffle.checkins"

// Type is the row change an event reports.
type Type string

const (
	TypeInsert Type = "INSERT"
	TypeDelete Type = "DELETE"
)

// CheckinEvent is one row change in the backing table.
type CheckinEvent struct {
	Type    Type              `json:"type"`
	Session string            `json:"session"`
	Row     models.CheckinRow `json:"row"`
	At      time.Time         `json:"at"`
}

// Decode parses and checks an event body.
func Decode(body []byte) (CheckinEvent, error) {
	var ev CheckinEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return CheckinEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.Type != TypeInsert && ev.Type != TypeDelete {
		return CheckinEvent{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.Session == "" {
		ev.Session = ev.Row.Session
	}
	return ev, nil
}

// Publisher announces row changes.
type Publisher interface {
	Publish(ctx context.Context, ev CheckinEvent) error
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, CheckinEvent) error { return nil }

// publishDialTimeout bounds how long a check-in request waits on the broker.
const publishDialTimeout = 2 * time.Second

// AMQPPublisher dials the broker for each publish.
type AMQPPublisher struct {
	url      string
	exchange string
}

func NewPublisher(url, exchange string) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{url: url, exchange: exchange}
}

func declare(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil)
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev CheckinEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(publishDialTimeout)})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declare(ch, p.exchange); err != nil {
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	return ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Body:         body,
	})
}

// Consumer receives every event published on the exchange through its own
// server-named queue.
type Consumer struct {
	url        string
	exchange   string
	maxBackoff time.Duration
}

func NewConsumer(url, exchange string) *Consumer {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Consumer{url: url, exchange: exchange, maxBackoff: 30 * time.Second}
}

// Run feeds decoded events to out until ctx is done, reconnecting with
// exponential backoff whenever the broker goes away.
func (c *Consumer) Run(ctx context.Context, out chan<- CheckinEvent) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			logger.Warningf("events: dial failed: %v; retrying in %s", err, backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < c.maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn, out)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warningf("events: consume loop ended: %v; reconnecting", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection, out chan<- CheckinEvent) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declare(ch, c.exchange); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			ev, err := Decode(d.Body)
			if err != nil {
				logger.Warningf("events: dropping message: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			select {
			case out <- ev:
				_ = d.Ack(false)
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return ctx.Err()
			}
		}
	}
}

// sleep waits for d or ctx, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
