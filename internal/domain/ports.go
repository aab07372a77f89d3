package domain

import (
	"context"
	"iter"
	"time"
)

// Коллекции и фиксированные метки партиций хранилища сущностей.
const (
	CollectionCustomers = "customers"
	CollectionProducts  = "products"
	CollectionOrders    = "orders"

	PartitionCustomer = "customer"
	PartitionProduct  = "product"
	PartitionOrder    = "order"
)

// Record — версионированная запись хранилища сущностей.
type Record struct {
	PartitionKey string
	RowKey       string
	// Version равна 1 после вставки и растёт на 1 при каждой записи.
	Version int64
	// Data — JSON-документ сущности.
	Data      []byte
	UpdatedAt time.Time
}

// EntityStore — табличное хранилище: (коллекция, партиция, ключ строки) -> запись.
type EntityStore interface {
	// Get возвращает запись или ErrEntityNotFound.
	Get(ctx context.Context, collection, partition, rowKey string) (Record, error)
	// Scan лениво перебирает записи партиции.
	Scan(ctx context.Context, collection, partition string) iter.Seq2[Record, error]
	// Insert добавляет запись; ErrEntityExists, если ключ занят.
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	// Upsert вставляет или заменяет запись без проверки версии.
	Upsert(ctx context.Context, collection string, rec Record) (Record, error)
	// Replace заменяет запись, только если сохранённая версия равна rec.Version
	// (ErrVersionConflict / ErrEntityNotFound).
	Replace(ctx context.Context, collection string, rec Record) (Record, error)
	// Delete удаляет запись или возвращает ErrEntityNotFound.
	Delete(ctx context.Context, collection, partition, rowKey string) error
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

// NotificationSink принимает текстовые уведомления по принципу fire-and-forget.
// Ошибки доставки поглощаются реализацией.
type NotificationSink interface {
	Publish(ctx context.Context, text string)
}

// OutboxPublisher публикует события из outbox во внешнюю очередь.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит события до публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
