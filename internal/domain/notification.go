package domain

import (
	"encoding/json"
	"time"
)

const (
	// AggregateNotification — тип агрегата для текстовых уведомлений в outbox.
	AggregateNotification = "notification"
	// EventTypeNotification — тип события текстового уведомления.
	EventTypeNotification = "notification.published"
)

// NotificationPayload — тело уведомления в outbox.
type NotificationPayload struct {
	Text      string    `json:"text"`
	EmittedAt time.Time `json:"emitted_at"`
}

// OutboxEnvelope — формат сообщения в очереди, общий для всех брокеров.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOutboxEnvelope оборачивает сообщение outbox для публикации.
func NewOutboxEnvelope(msg OutboxMessage, publishedAt time.Time) OutboxEnvelope {
	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		// Старые записи могли содержать сырой текст.
		quoted, _ := json.Marshal(string(msg.Payload))
		payload = quoted
	}
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// RoutingKey возвращает ключ партиционирования сообщения.
func (e OutboxEnvelope) RoutingKey() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}
