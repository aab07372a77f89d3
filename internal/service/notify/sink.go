// Package notify превращает текстовые уведомления в сообщения outbox.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	"github.com/vladislavdragonenkov/retail/internal/metrics"
)

const enqueueTimeout = 2 * time.Second

// Sink — NotificationSink поверх outbox. Доставку в очередь выполняет outbox worker.
type Sink struct {
	outbox  domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.RetailMetrics
	now     func() time.Time
}

// NewSink создаёт sink. logger и m могут быть nil.
func NewSink(outbox domain.OutboxRepository, logger *log.Entry, m *metrics.RetailMetrics) *Sink {
	if logger == nil {
		logger = log.WithField("component", "notify")
	}
	return &Sink{outbox: outbox, logger: logger, metrics: m, now: time.Now}
}

// Publish ставит уведомление в outbox. Ошибки логируются и не возвращаются.
// Отмена контекста запроса не мешает записи: уведомление отвязано от его жизни.
func (s *Sink) Publish(ctx context.Context, text string) {
	if s == nil || s.outbox == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	payload, err := json.Marshal(domain.NotificationPayload{Text: text, EmittedAt: s.now().UTC()})
	if err != nil {
		s.drop(err, text)
		return
	}

	msg, err := s.outbox.Enqueue(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateNotification,
		EventType:     domain.EventTypeNotification,
		Payload:       payload,
	})
	if err != nil {
		s.drop(err, text)
		return
	}

	s.metrics.RecordNotification(metrics.ResultQueued)
	s.logger.WithField("outbox_id", msg.ID).Debug("notification queued")
}

func (s *Sink) drop(err error, text string) {
	s.metrics.RecordNotification(metrics.ResultDropped)
	s.logger.WithError(err).WithField("text", text).Warn("notification dropped")
}

var _ domain.NotificationSink = (*Sink)(nil)
