package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/plugin"
)

// AMQPConfig describes the RabbitMQ exchange events are published to.
type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Durable    bool   `mapstructure:"durable"`
}

// AMQPSink publishes JSON events to a topic exchange. The routing key is
// the configured prefix followed by the event type, e.g.
// "pluginhost.plugin.enabled".
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	prefix   string
}

// NewAMQPSink dials RabbitMQ and declares the exchange.
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "amqp url must not be empty")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "pluginhost.events"
	}
	prefix := cfg.RoutingKey
	if prefix == "" {
		prefix = "pluginhost"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "open rabbitmq channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrapf(xerrors.CodePublishFailure, err, "declare exchange %s", exchange)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange, prefix: prefix}, nil
}

// Channel implements Sink.
func (s *AMQPSink) Channel() Channel { return ChannelAMQP }

// Publish implements plugin.EventSink.
func (s *AMQPSink) Publish(ctx context.Context, ev plugin.Event) error {
	msg, err := amqpMessage(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return xerrors.New(xerrors.CodePublishFailure, "amqp sink is closed")
	}
	if err := s.ch.PublishWithContext(ctx, s.exchange, routingKey(s.prefix, ev.Type), false, false, msg); err != nil {
		return xerrors.Wrapf(xerrors.CodePublishFailure, err, "publish %s", ev.Type)
	}
	return nil
}

// Close implements plugin.EventSink.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	s.ch, s.conn = nil, nil
	return err
}

func amqpMessage(ev plugin.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, xerrors.Wrap(xerrors.CodePublishFailure, err, "encode event")
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Time,
		Type:         string(ev.Type),
		Headers:      amqp.Table{"plugin": ev.Plugin},
		Body:         body,
	}, nil
}

func routingKey(prefix string, typ plugin.EventType) string {
	return prefix + "." + string(typ)
}
