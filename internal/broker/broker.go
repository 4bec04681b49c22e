// Package broker bridges the gateway shard manager to an AMQP message
// bus: inbound dispatch events are published per spec.md §5, outbound
// commands are consumed off per-shard and SEND-routing queues.
package broker

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Config configures a Broker's exchange/queue topology (spec.md §5.1).
type Config struct {
	URL      string
	Group    string
	Subgroup string

	ReconnectDelay time.Duration
}

// Broker owns the AMQP connection/channel pair and the durable direct
// exchange that events and commands flow through.
type Broker struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed chan struct{}
}

// New dials cfg.URL and declares the group's exchange in a single
// attempt, returning the error if that fails. Once connected, the
// background watchClose goroutine reconnects after a dropped connection
// with capped linear backoff, grounded on the reconnect pattern used by
// the pack's RabbitMQ publishers.
func New(cfg Config, logger zerolog.Logger) (*Broker, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	b := &Broker{
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	go b.watchClose()

	return b, nil
}

func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return xerrors.Errorf("broker dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()

		return xerrors.Errorf("broker channel: %w", err)
	}

	if err := ch.ExchangeDeclare(b.cfg.Group, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()

		return xerrors.Errorf("broker exchange declare: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.mu.Unlock()

	return nil
}

// watchClose reconnects whenever the broker's underlying connection
// drops, so publishers/consumers recover transparently.
func (b *Broker) watchClose() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		if conn == nil {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-b.closed:
			return
		case err, ok := <-notify:
			if !ok {
				return
			}

			b.logger.Warn().Err(err).Msg("amqp connection closed, reconnecting")

			for attempt := 1; ; attempt++ {
				select {
				case <-b.closed:
					return
				default:
				}

				if dialErr := b.connect(); dialErr == nil {
					b.logger.Info().Int("attempt", attempt).Msg("reconnected to amqp")

					break
				} else {
					b.logger.Warn().Err(dialErr).Int("attempt", attempt).Msg("amqp reconnect failed")
				}

				wait := b.cfg.ReconnectDelay * time.Duration(min(attempt, 6))

				select {
				case <-b.closed:
					return
				case <-time.After(wait):
				}
			}
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}

	return b
}

// EventQueueName returns the durable queue name an event type is bound
// to, per spec.md §5.2: `<group>[:<subgroup>]:<event>`.
func (b *Broker) EventQueueName(eventType string) string {
	return b.queueName(eventType)
}

// ShardQueueName returns the durable queue name a shard's commands are
// published to, per spec.md §5.2: `<group>[:<subgroup>]:<shard_id>`.
func (b *Broker) ShardQueueName(shardID int) string {
	return b.queueName(fmt.Sprintf("%d", shardID))
}

// SendQueueName returns the well-known SEND routing queue name that
// carries guild-addressed outbound commands before they're routed to
// the owning shard's queue (spec.md §5.3).
func (b *Broker) SendQueueName() string {
	return b.queueName("SEND")
}

func (b *Broker) queueName(suffix string) string {
	if b.cfg.Subgroup != "" {
		return fmt.Sprintf("%s:%s:%s", b.cfg.Group, b.cfg.Subgroup, suffix)
	}

	return fmt.Sprintf("%s:%s", b.cfg.Group, suffix)
}

// Publish publishes payload to the group exchange under routingKey,
// declaring/binding the backing queue first so consumers never miss a
// message published before they subscribe (spec.md §5.1 at-least-once).
func (b *Broker) Publish(routingKey string, payload []byte) error {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()

	if ch == nil {
		return xerrors.Errorf("broker publish: %w", ErrNotConnected)
	}

	if _, err := ch.QueueDeclare(b.queueName(routingKey), true, false, false, false, nil); err != nil {
		return xerrors.Errorf("broker publish queue declare: %w", err)
	}

	if err := ch.QueueBind(b.queueName(routingKey), routingKey, b.cfg.Group, false, nil); err != nil {
		return xerrors.Errorf("broker publish queue bind: %w", err)
	}

	return ch.Publish(b.cfg.Group, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// Consume declares and binds a durable queue for routingKey and returns
// its delivery channel. Each delivery must be Ack'd/Nack'd by the
// caller (spec.md §5.1 at-least-once).
func (b *Broker) Consume(routingKey string) (<-chan amqp.Delivery, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()

	if ch == nil {
		return nil, xerrors.Errorf("broker consume: %w", ErrNotConnected)
	}

	queue := b.queueName(routingKey)

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, xerrors.Errorf("broker consume queue declare: %w", err)
	}

	if err := ch.QueueBind(queue, routingKey, b.cfg.Group, false, nil); err != nil {
		return nil, xerrors.Errorf("broker consume queue bind: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, xerrors.Errorf("broker consume: %w", err)
	}

	return deliveries, nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	close(b.closed)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		b.channel.Close()
	}

	if b.conn != nil {
		return b.conn.Close()
	}

	return nil
}
