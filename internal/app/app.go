package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/retail/internal/health"
	"github.com/vladislavdragonenkov/retail/internal/metrics"
	"github.com/vladislavdragonenkov/retail/internal/service/catalog"
	"github.com/vladislavdragonenkov/retail/internal/service/directory"
	"github.com/vladislavdragonenkov/retail/internal/service/notify"
	"github.com/vladislavdragonenkov/retail/internal/service/ordering"
	"github.com/vladislavdragonenkov/retail/internal/service/outbox"
	"github.com/vladislavdragonenkov/retail/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/retail/internal/version"
)

const (
	shutdownTimeout    = 5 * time.Second
	outboxDrainTimeout = 5 * time.Second
)

// Run поднимает API, сервер метрик и outbox worker и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	queue, err := initQueuePublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer queue.close(logger)

	retailMetrics := metrics.NewRetailMetrics()
	sink := notify.NewSink(deps.outboxRepo, log.WithField("component", "notify"), retailMetrics)

	catalogSvc := catalog.NewService(deps.store, sink,
		catalog.WithLogger(log.WithField("component", "catalog")),
		catalog.WithMetrics(retailMetrics),
		catalog.WithMaxAttempts(cfg.StockMaxAttempts),
	)
	directorySvc := directory.NewService(deps.store, sink, log.WithField("component", "directory"))
	workflow := ordering.NewWorkflow(deps.store, catalogSvc, directorySvc, sink,
		ordering.WithLogger(log.WithField("component", "ordering")),
		ordering.WithMetrics(retailMetrics),
	)

	workerOptions := []outbox.Option{
		outbox.WithLogger(log.WithField("component", "outbox-worker")),
		outbox.WithMetrics(retailMetrics),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if queue.dlq != nil {
		workerOptions = append(workerOptions, outbox.WithDeadLetter(queue.dlq))
	}
	worker := outbox.NewWorker(deps.outboxRepo, queue.publisher, workerOptions...)

	// Воркер живёт дольше ctx запроса остановки: сначала гасим API, потом дренируем outbox.
	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(workerCtx)
	}()

	healthHandler := newHealthHandler(deps.storageChecker, deps.outboxRepo, cfg.OutboxMaxPending)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	apiSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(directorySvc, catalogSvc, workflow,
			httpapi.WithLogger(log.WithField("component", "http")),
			httpapi.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		shutdownOutboxWorker(cancelWorker, workerDone, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", lis.Addr())
		errCh <- apiSrv.Serve(lis)
	}()

	stop := func() {
		shutdownHTTP(apiSrv, logger)
		shutdownOutboxWorker(cancelWorker, workerDone, logger)
		drainOutbox(worker, logger)
		shutdownHTTP(metricsSrv, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		stop()
		return ctx.Err()
	case err := <-errCh:
		stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// newHealthHandler собирает проверки: недоступное хранилище снимает сервис
// с балансировки, backlog уведомлений только помечает его degraded.
func newHealthHandler(storage healthcheck.Checker, outboxRepo domain.OutboxRepository, maxPending int) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.GetVersion())
	h.RegisterChecker("storage", storage)
	h.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(outboxRepo, maxPending))
	return h
}

// metricsMux маршрутизирует /metrics и health-пробы.
func metricsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: metricsMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// shutdownOutboxWorker останавливает polling и ждёт завершения текущего цикла.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("outbox worker did not stop in time")
	}
}

// drainOutbox отправляет уведомления, накопленные к моменту остановки.
func drainOutbox(worker *outbox.Worker, logger *log.Entry) {
	if worker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), outboxDrainTimeout)
	defer cancel()
	settled := worker.Drain(ctx)
	logger.WithField("notifications", settled).Info("outbox drained")
}
