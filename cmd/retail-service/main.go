package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/app"
	"github.com/vladislavdragonenkov/retail/internal/version"
)

const (
	envLogLevel            = "RETAIL_LOG_LEVEL"
	envHTTPAddr            = "RETAIL_HTTP_ADDR"
	envMetricsAddr         = "RETAIL_METRICS_ADDR"
	envStorageDriver       = "RETAIL_STORAGE_DRIVER"
	envPostgresDSN         = "RETAIL_POSTGRES_DSN"
	envPostgresAutoMigrate = "RETAIL_POSTGRES_AUTO_MIGRATE"
	envDynamoDBTable       = "RETAIL_DYNAMODB_TABLE"
	envDynamoDBRegion      = "RETAIL_DYNAMODB_REGION"
	envDynamoDBEndpoint    = "RETAIL_DYNAMODB_ENDPOINT"
	envDynamoDBAutoCreate  = "RETAIL_DYNAMODB_AUTO_CREATE"
	envQueueDriver         = "RETAIL_QUEUE_DRIVER"
	envKafkaBrokers        = "RETAIL_KAFKA_BROKERS"
	envKafkaTopic          = "RETAIL_KAFKA_TOPIC"
	envRabbitMQURL         = "RETAIL_RABBITMQ_URL"
	envRabbitMQQueue       = "RETAIL_RABBITMQ_QUEUE"
	envOutboxPollInterval  = "RETAIL_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "RETAIL_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "RETAIL_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "RETAIL_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending    = "RETAIL_OUTBOX_MAX_PENDING"
	envStockMaxAttempts    = "RETAIL_STOCK_MAX_ATTEMPTS"
	envCORSAllowedOrigins  = "RETAIL_CORS_ALLOWED_ORIGINS"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookupTrimmed(lookup, envLogLevel)
	if !ok {
		return
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
		return
	}
	log.SetLevel(level)
}

// readConfigFromEnv формирует конфигурацию из переменных окружения.
// Некорректные значения не валят запуск: остаётся значение по умолчанию и
// возвращается предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v, using default", key, err))
	}

	setString := func(key string, dst *string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		v, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}
	setInt := func(key string, dst *int, valid func(int) bool, rule string) {
		v, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}
	setDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }

	setString(envHTTPAddr, &cfg.HTTPAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	if v, ok := lookupTrimmed(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setString(envDynamoDBTable, &cfg.DynamoDBTable)
	setString(envDynamoDBRegion, &cfg.DynamoDBRegion)
	setString(envDynamoDBEndpoint, &cfg.DynamoDBEndpoint)
	setBool(envDynamoDBAutoCreate, &cfg.DynamoDBAutoCreate)
	if v, ok := lookupTrimmed(lookup, envQueueDriver); ok {
		cfg.QueueDriver = strings.ToLower(v)
	}
	if v, ok := lookupTrimmed(lookup, envKafkaBrokers); ok {
		cfg.KafkaBrokers = parseList(v)
	}
	setString(envKafkaTopic, &cfg.KafkaTopic)
	setString(envRabbitMQURL, &cfg.RabbitMQURL)
	setString(envRabbitMQQueue, &cfg.RabbitMQQueue)
	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, func(v time.Duration) bool { return v > 0 }, "must be > 0")
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")
	setInt(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")
	setInt(envStockMaxAttempts, &cfg.StockMaxAttempts, positive, "must be > 0")
	if v, ok := lookupTrimmed(lookup, envCORSAllowedOrigins); ok {
		cfg.CORSAllowedOrigins = parseList(v)
	}

	return cfg, warnings
}

// lookupTrimmed возвращает значение переменной без пробелов; пустое значение считается отсутствующим.
func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if valid != nil && !valid(v) {
		return 0, fmt.Errorf("value %d %s", v, rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if valid != nil && !valid(v) {
		return 0, fmt.Errorf("value %s %s", v, rule)
	}
	return v, nil
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv подгружает .env, если файл есть. Уже заданные переменные не перезаписываются.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func main() {
	dotEnvErr := loadDotEnv()
	setupLogger(os.LookupEnv)
	if dotEnvErr != nil {
		log.WithError(dotEnvErr).Warn("failed to load .env")
	}

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"queue_driver":   cfg.QueueDriver,
	}).Info("запускаем retail-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("retail-service остановлен")
}
