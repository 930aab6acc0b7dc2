// event_forwarder.go: Forwarding of plugin events to Redis and RabbitMQ
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// EventForwarder ships bus events to an external system.
type EventForwarder interface {
	Forward(ctx context.Context, event Event) error
}

// forwardTimeout bounds a single Forward call made from the bus.
const forwardTimeout = 2 * time.Second

// AttachForwarder subscribes fwd to every event of bus. Forwarding failures are
// logged and never reach the emitter. The returned id detaches the forwarder
// with bus.Off("", id).
func AttachForwarder(bus *EventBus, fwd EventForwarder, logger any) SubscriptionID {
	log := NewLogger(logger)
	return bus.OnAll(func(event Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()

		if err := fwd.Forward(ctx, event); err != nil {
			log.Warn("Failed to forward plugin event",
				"event", string(event.Type),
				"plugin", event.PluginID,
				"error", err)
		}
		return nil
	})
}

func encodeEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.Type, err)
	}
	return payload, nil
}

// RedisForwarderConfig configures a RedisEventForwarder.
type RedisForwarderConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// redisPublisher is the part of *redis.Client used by the forwarder.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisEventForwarder publishes events as JSON on a Redis pub/sub channel.
type RedisEventForwarder struct {
	publisher redisPublisher
	client    *redis.Client
	channel   string
}

// NewRedisEventForwarder connects to Redis and verifies the connection.
func NewRedisEventForwarder(ctx context.Context, cfg RedisForwarderConfig) (*RedisEventForwarder, error) {
	if cfg.Address == "" {
		return nil, NewTransportConfigError("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, NewForwarderError("redis", err)
	}

	fwd := newRedisEventForwarder(client, cfg.Channel)
	fwd.client = client
	return fwd, nil
}

func newRedisEventForwarder(publisher redisPublisher, channel string) *RedisEventForwarder {
	if channel == "" {
		channel = "pluginhost:events"
	}
	return &RedisEventForwarder{publisher: publisher, channel: channel}
}

// Forward implements EventForwarder.
func (f *RedisEventForwarder) Forward(ctx context.Context, event Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return NewForwarderError("redis", err)
	}
	if err := f.publisher.Publish(ctx, f.channel, payload).Err(); err != nil {
		return NewForwarderError("redis", err)
	}
	return nil
}

// Close closes the Redis client when the forwarder owns it.
func (f *RedisEventForwarder) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

// AMQPForwarderConfig configures an AMQPEventForwarder.
type AMQPForwarderConfig struct {
	URL          string `json:"url" yaml:"url"`
	Exchange     string `json:"exchange" yaml:"exchange"`
	ExchangeKind string `json:"exchange_kind" yaml:"exchange_kind"`
	Durable      bool   `json:"durable" yaml:"durable"`
}

// amqpPublisher is the part of *amqp.Channel used by the forwarder.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPEventForwarder publishes events to an exchange using the event type as
// routing key, so consumers can bind to "plugin-error" only, for instance.
type AMQPEventForwarder struct {
	publisher amqpPublisher
	exchange  string

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPEventForwarder dials RabbitMQ and declares the exchange.
func NewAMQPEventForwarder(cfg AMQPForwarderConfig) (*AMQPEventForwarder, error) {
	if cfg.URL == "" {
		return nil, NewTransportConfigError("amqp url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "pluginhost.events"
	}
	kind := cfg.ExchangeKind
	if kind == "" {
		kind = amqp.ExchangeTopic
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, NewForwarderError("amqp", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, NewForwarderError("amqp", err)
	}
	if err := ch.ExchangeDeclare(exchange, kind, cfg.Durable, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, NewForwarderError("amqp", err)
	}

	fwd := newAMQPEventForwarder(ch, exchange)
	fwd.conn = conn
	fwd.ch = ch
	return fwd, nil
}

func newAMQPEventForwarder(publisher amqpPublisher, exchange string) *AMQPEventForwarder {
	return &AMQPEventForwarder{publisher: publisher, exchange: exchange}
}

// Forward implements EventForwarder.
func (f *AMQPEventForwarder) Forward(ctx context.Context, event Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return NewForwarderError("amqp", err)
	}
	err = f.publisher.PublishWithContext(ctx, f.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.Timestamp,
		Body:        payload,
	})
	if err != nil {
		return NewForwarderError("amqp", err)
	}
	return nil
}

// Close closes the channel and connection when the forwarder owns them.
func (f *AMQPEventForwarder) Close() error {
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
