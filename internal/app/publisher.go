package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	"github.com/vladislavdragonenkov/retail/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/retail/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/retail/internal/service/outbox"
)

// queuePublisher — выбранная очередь уведомлений и её DLQ.
type queuePublisher struct {
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	closeFn   func() error
}

func (p *queuePublisher) close(logger *log.Entry) {
	if p == nil || p.closeFn == nil {
		return
	}
	if err := p.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close queue publisher")
	} else {
		logger.Info("queue publisher closed")
	}
}

// initQueuePublisher подключает очередь согласно cfg.QueueDriver.
func initQueuePublisher(cfg Config, logger *log.Entry) (*queuePublisher, error) {
	switch cfg.QueueDriver {
	case QueueDriverLog:
		return &queuePublisher{
			publisher: outbox.NewLogPublisher(log.WithField("component", "queue")),
		}, nil

	case QueueDriverKafka:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		logger.WithFields(log.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.KafkaTopic,
		}).Info("kafka producer initialized")
		return &queuePublisher{
			publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			dlq:       kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
			closeFn:   producer.Close,
		}, nil

	case QueueDriverRabbitMQ:
		publisher, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		logger.WithField("queue", cfg.RabbitMQQueue).Info("rabbitmq publisher initialized")
		return &queuePublisher{
			publisher: publisher,
			closeFn:   publisher.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.QueueDriver)
	}
}
