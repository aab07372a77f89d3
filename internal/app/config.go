package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Драйверы хранилища сущностей.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverDynamoDB = "dynamodb"
)

// Драйверы очереди уведомлений.
const (
	QueueDriverLog      = "log"
	QueueDriverKafka    = "kafka"
	QueueDriverRabbitMQ = "rabbitmq"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	DynamoDBTable      string
	DynamoDBRegion     string
	DynamoDBEndpoint   string
	DynamoDBAutoCreate bool

	QueueDriver   string
	KafkaBrokers  []string
	KafkaTopic    string
	RabbitMQURL   string
	RabbitMQQueue string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending — порог backlog, после которого /healthz отвечает degraded.
	OutboxMaxPending int

	StockMaxAttempts   int
	CORSAllowedOrigins []string
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		DynamoDBTable:       "retail-entities",
		DynamoDBRegion:      "us-east-1",
		QueueDriver:         QueueDriverLog,
		KafkaTopic:          "retail.events",
		RabbitMQQueue:       "events",
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
		OutboxMaxPending:    1000,
		StockMaxAttempts:    8,
		CORSAllowedOrigins:  []string{"*"},
	}
}

// Validate проверяет драйверы и обязательные для них настройки.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires a DSN"))
		}
	case StorageDriverDynamoDB:
		if strings.TrimSpace(c.DynamoDBTable) == "" {
			errs = append(errs, errors.New("dynamodb storage requires a table name"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.QueueDriver {
	case QueueDriverLog:
	case QueueDriverKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka queue requires at least one broker"))
		}
	case QueueDriverRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			errs = append(errs, errors.New("rabbitmq queue requires a URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue driver %q", c.QueueDriver))
	}

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	return errors.Join(errs...)
}
