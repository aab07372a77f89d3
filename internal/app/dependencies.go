package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/retail/internal/health"
	"github.com/vladislavdragonenkov/retail/internal/storage/dynamo"
	"github.com/vladislavdragonenkov/retail/internal/storage/memory"
	"github.com/vladislavdragonenkov/retail/internal/storage/postgres"
)

const dynamoTableWait = 30 * time.Second

// runtimeDependencies — хранилища, выбранные драйвером из конфигурации.
type runtimeDependencies struct {
	store          domain.EntityStore
	outboxRepo     domain.OutboxRepository
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies открывает хранилище сущностей и outbox согласно cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewEntityStore()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			store:          store,
			outboxRepo:     memory.NewOutboxRepository(),
			storageChecker: healthcheck.NewPingChecker("storage", store),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires a DSN")
		}
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
		return &runtimeDependencies{
			store:          postgres.NewEntityStore(pg),
			outboxRepo:     postgres.NewOutboxRepository(pg),
			storageChecker: healthcheck.NewPingChecker("storage", pg),
			closeFn:        pg.Close,
		}, nil

	case StorageDriverDynamoDB:
		client, err := dynamo.NewClient(ctx, dynamo.Config{
			Table:    cfg.DynamoDBTable,
			Region:   cfg.DynamoDBRegion,
			Endpoint: cfg.DynamoDBEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("create dynamodb client: %w", err)
		}
		store := dynamo.NewEntityStore(client, cfg.DynamoDBTable)
		if cfg.DynamoDBAutoCreate {
			if err := store.EnsureTable(ctx, dynamoTableWait); err != nil {
				return nil, fmt.Errorf("ensure dynamodb table: %w", err)
			}
		}
		logger.WithFields(log.Fields{
			"table":  cfg.DynamoDBTable,
			"region": cfg.DynamoDBRegion,
		}).Info("using dynamodb storage")
		// Таблица хранит только сущности; outbox остаётся в памяти процесса.
		return &runtimeDependencies{
			store:          store,
			outboxRepo:     memory.NewOutboxRepository(),
			storageChecker: healthcheck.NewPingChecker("storage", store),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
