package outbox

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

// LogPublisher пишет события в лог вместо брокера. Используется, когда
// очередь не настроена: аудит уведомлений остаётся в логах сервиса.
type LogPublisher struct {
	logger *log.Entry
}

// NewLogPublisher создаёт publisher, пишущий события в logger.
func NewLogPublisher(logger *log.Entry) *LogPublisher {
	if logger == nil {
		logger = log.WithField("component", "event-log")
	}
	return &LogPublisher{logger: logger}
}

// Publish логирует событие на уровне Info.
func (p *LogPublisher) Publish(event domain.OutboxMessage) error {
	envelope := domain.NewOutboxEnvelope(event, time.Now())
	p.logger.WithFields(log.Fields{
		"outbox_id":      envelope.ID,
		"aggregate_type": envelope.AggregateType,
		"event_type":     envelope.EventType,
		"payload":        string(envelope.Payload),
	}).Info("event published")
	return nil
}

var _ domain.OutboxPublisher = (*LogPublisher)(nil)
