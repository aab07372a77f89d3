// Package rabbitmq публикует уведомления outbox в очередь RabbitMQ.
package rabbitmq

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

// DefaultQueue — очередь событий по умолчанию.
const DefaultQueue = "events"

// channel — подмножество *amqp.Channel, которое использует publisher.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher отправляет события в очередь через default exchange.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel channel
	queue   amqp.Queue
	logger  *log.Entry
}

// Dial подключается к брокеру, открывает канал и объявляет очередь.
func Dial(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	publisher, err := newPublisher(ch, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	publisher.conn = conn
	return publisher, nil
}

func newPublisher(ch channel, queue string) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare rabbitmq queue %q: %w", queue, err)
	}

	return &Publisher{
		channel: ch,
		queue:   q,
		logger:  log.WithFields(log.Fields{"component": "rabbitmq-publisher", "queue": q.Name}),
	}, nil
}

// Publish отправляет событие как persistent JSON-сообщение.
func (p *Publisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.channel == nil {
		return fmt.Errorf("rabbitmq publisher is not initialized")
	}

	now := time.Now()
	envelope := domain.NewOutboxEnvelope(event, now)
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish("", p.queue.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.ID,
		Type:         envelope.EventType,
		Timestamp:    now.UTC(),
		Body:         body,
	})
	if err != nil {
		p.logger.WithError(err).WithField("outbox_id", envelope.ID).Error("failed to publish message to rabbitmq")
		return fmt.Errorf("%w: %w", domain.ErrOutboxPublish, err)
	}

	p.logger.WithField("outbox_id", envelope.ID).Debug("message sent to rabbitmq")
	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
