package kafka

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для outbox уведомлений.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicRetailEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	envelope := domain.NewOutboxEnvelope(event, time.Now())
	headers := map[string]string{
		HeaderOutboxID:      envelope.ID,
		HeaderEventType:     envelope.EventType,
		HeaderAggregateType: envelope.AggregateType,
	}
	if err := p.producer.PublishEvent(p.topic, envelope.RoutingKey(), envelope, headers); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrOutboxPublish, err)
	}
	return nil
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
