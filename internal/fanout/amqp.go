package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/soyeahso/unibox/internal/config"
	"github.com/soyeahso/unibox/internal/logging"
)

// AMQPSink publishes events to a durable topic exchange with routing key
// "<kind>.<platform>.<accountId>".
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
	log      *logging.Logger
}

// NewAMQPSink connects and declares the exchange.
func NewAMQPSink(cfg *config.AMQPConfig, log *logging.Logger) (*AMQPSink, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	log = log.Sub("amqp")
	log.Info().Str("exchange", cfg.Exchange).Msg("amqp sink ready")
	return &AMQPSink{conn: conn, exchange: cfg.Exchange, log: log}, nil
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Publish(ctx context.Context, ev Event) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return err
	}

	pub, err := publishing(ev)
	if err != nil {
		return err
	}
	key := RoutingKey(ev)

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, key, false, false, pub)
	if err != nil {
		return err
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker nacked %s", key)
	}
	a.log.Trace().Str("key", key).Msg("published")
	return nil
}

func (a *AMQPSink) Close() error {
	return a.conn.Close()
}

// RoutingKey builds the topic key. Dots inside ids are replaced so the
// key keeps exactly three words.
func RoutingKey(ev Event) string {
	word := func(s string) string {
		if s == "" {
			return "none"
		}
		return strings.ReplaceAll(s, ".", "_")
	}
	return word(string(ev.Kind)) + "." + word(string(ev.Platform)) + "." + word(ev.AccountID)
}

func publishing(ev Event) (amqp091.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Type:         string(ev.Kind),
		Timestamp:    ev.At,
		Body:         body,
	}, nil
}
