package kafka

// Topics для Kafka
const (
	TopicRetailEvents    = "retail.events"
	TopicDeadLetterQueue = "retail.events.dlq" // Dead Letter Queue для уведомлений, не доставленных после retry
)

// Kafka headers сообщений outbox
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
)
